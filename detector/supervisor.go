// Package detector supervises the external object detector: a feeder hands it
// frames on request and a listener turns its detections into rays.
package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"RayRelay/config"
	"RayRelay/framestore"
	iface "RayRelay/interface"
	"RayRelay/logger"
	"RayRelay/mailbox"
	"RayRelay/monitor"
	"RayRelay/process"
	"RayRelay/queue"
	"RayRelay/raycast"

	"go.uber.org/zap"
)

const (
	Source      = "objects"
	feedRequest = "SendMore"
)

// Streams are the detector's two channels: requests and detections are read,
// photo paths are written.
type Streams struct {
	Requests   iface.LineReader
	Detections iface.LineReader
	Paths      iface.LineWriter
	// closed on Stop so blocked reads return
	Closers []io.Closer
}

type Options struct {
	// pins the frame being detected so retention cannot delete its photo
	Frames iface.FramePinner
	// shared with the relay; a fresh queue when nil
	Rays *queue.Queue[raycast.Raycast]
}

type Supervisor struct {
	mailbox *mailbox.Mailbox
	res     *raycast.ResolutionCell
	frames  iface.FramePinner
	rays    *queue.Queue[raycast.Raycast]
	streams Streams
	proc    *process.Process
	log     *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	inflight *iface.Frame
	proj     raycast.Matrix4
	world    raycast.Matrix4
	stopped  bool

	healthy   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	stopOnce  sync.Once
}

func New(mb *mailbox.Mailbox, res *raycast.ResolutionCell, streams Streams, opts Options) *Supervisor {
	rays := opts.Rays
	if rays == nil {
		rays = queue.New[raycast.Raycast]()
	}
	s := &Supervisor{
		mailbox: mb,
		res:     res,
		frames:  opts.Frames,
		rays:    rays,
		streams: streams,
		log:     logger.With(Source),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Launch starts the detector binary, waits for its named pipes and runs the supervisor.
func Launch(ctx context.Context, cfg config.DetectorConfig, mb *mailbox.Mailbox, res *raycast.ResolutionCell, opts Options) (*Supervisor, error) {
	proc, err := process.Launch(ctx, Source, cfg.ProcessConfig, false)
	if err != nil {
		return nil, err
	}
	feed, err := process.OpenPipe(ctx, cfg.FeedPipe, cfg.PipeTimeout)
	if err != nil {
		_ = proc.Stop(time.Second)
		return nil, fmt.Errorf("object detector feed pipe: %w", err)
	}
	detections, err := process.OpenPipe(ctx, cfg.DetectionsPipe, cfg.PipeTimeout)
	if err != nil {
		_ = feed.Close()
		_ = proc.Stop(time.Second)
		return nil, fmt.Errorf("object detector detections pipe: %w", err)
	}

	s := New(mb, res, Streams{
		Requests:   process.NewLines(feed),
		Detections: process.NewLines(detections),
		Paths:      process.NewWriter(proc.Stdin),
		Closers:    []io.Closer{feed, detections},
	}, opts)
	s.proc = proc
	s.Run(ctx)

	// the pipes are opened read-write, so a dead detector never produces EOF
	go func() {
		select {
		case <-proc.Done():
			s.log.Error("object detector exited, stopping its workers")
			s.healthy.Store(false)
			s.closeStreams()
		case <-ctx.Done():
		}
	}()
	return s, nil
}

// Run starts the feeder and the listener.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cond.Broadcast()
	})
	s.healthy.Store(true)
	s.wg.Add(2)
	go s.guard("feeder", func() { s.feed(ctx) })
	go s.guard("listener", func() { s.listen(ctx) })
	go func() {
		s.wg.Wait()
		stop()
	}()
}

func (s *Supervisor) guard(role string, fn func()) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("object detector worker panic", zap.String("role", role), zap.Any("panic", r))
			s.healthy.Store(false)
		}
	}()
	fn()
	s.log.Info("object detector worker exited", zap.String("role", role))
}

func (s *Supervisor) feed(ctx context.Context) {
	for {
		line, err := s.streams.Requests.ReadLine()
		if err != nil {
			s.streamFailed(ctx, "feed request", err)
			return
		}
		if strings.TrimSpace(line) != feedRequest {
			continue
		}
		frame, proj, world, err := s.nextFrame(ctx)
		if err != nil {
			return
		}
		// set before writing so detections of this frame never meet the previous one
		s.setInflight(frame, proj, world)
		if err := s.streams.Paths.WriteLine(frame.PhotoPath); err != nil {
			s.streamFailed(ctx, "photo path", err)
			return
		}
		s.log.Debug("frame fed to object detector", zap.String("frame", frame.ID))
	}
}

func (s *Supervisor) listen(ctx context.Context) {
	for {
		line, err := s.streams.Detections.ReadLine()
		if err != nil {
			s.streamFailed(ctx, "detections", err)
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		d, err := raycast.ParseDetection(line)
		if err != nil {
			monitor.ParseErrors.WithLabelValues(Source).Inc()
			s.log.Warn("skipping detection", zap.String("line", line), zap.Error(err))
			continue
		}
		proj, world, err := s.matrices()
		if err != nil {
			return
		}
		ray, err := raycast.FromDetection(d, proj, world, s.res.Get())
		if err != nil {
			monitor.ParseErrors.WithLabelValues(Source).Inc()
			s.log.Warn("skipping detection", zap.String("label", d.Label), zap.Error(err))
			continue
		}
		s.rays.Put(ray)
		monitor.Detections.WithLabelValues(Source).Inc()
	}
}

// nextFrame takes published frames until one is still on disk and has
// readable matrices. The returned frame stays pinned.
func (s *Supervisor) nextFrame(ctx context.Context) (iface.Frame, raycast.Matrix4, raycast.Matrix4, error) {
	for {
		frame, err := s.mailbox.Take(ctx)
		if err != nil {
			return iface.Frame{}, raycast.Matrix4{}, raycast.Matrix4{}, err
		}
		if s.frames != nil && !s.frames.Acquire(frame) {
			s.log.Warn("frame evicted before it was fed", zap.String("frame", frame.ID))
			continue
		}
		proj, world, err := framestore.LoadMatrices(frame)
		if err == nil {
			return frame, proj, world, nil
		}
		monitor.ParseErrors.WithLabelValues(Source).Inc()
		s.log.Warn("skipping frame", zap.String("frame", frame.ID), zap.Error(err))
		s.release(&frame)
	}
}

// setInflight makes f the frame detections refer to and unpins the previous one.
func (s *Supervisor) setInflight(f iface.Frame, proj, world raycast.Matrix4) {
	s.mu.Lock()
	prev := s.inflight
	s.inflight, s.proj, s.world = &f, proj, world
	s.mu.Unlock()
	s.cond.Broadcast()
	s.release(prev)
}

func (s *Supervisor) release(f *iface.Frame) {
	if f != nil && s.frames != nil {
		s.frames.Release(*f)
	}
}

var errStopped = errors.New("object detector stopped")

// matrices blocks until a frame has been fed, then returns its matrices.
func (s *Supervisor) matrices() (raycast.Matrix4, raycast.Matrix4, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inflight == nil && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return raycast.Matrix4{}, raycast.Matrix4{}, errStopped
	}
	return s.proj, s.world, nil
}

func (s *Supervisor) streamFailed(ctx context.Context, stream string, err error) {
	if ctx.Err() != nil {
		return
	}
	s.healthy.Store(false)
	if errors.Is(err, io.EOF) {
		s.log.Error("object detector closed its stream", zap.String("stream", stream))
		return
	}
	s.log.Error("object detector stream failed", zap.String("stream", stream), zap.Error(err))
}

func (s *Supervisor) closeStreams() {
	s.closeOnce.Do(func() {
		for _, c := range s.streams.Closers {
			_ = c.Close()
		}
	})
}

// Stop ends both workers, even while blocked on a read, and then the process.
// Rays already queued stay available.
func (s *Supervisor) Stop(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.closeStreams()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("object detector workers still running after %s", timeout)
		}
		if s.proc != nil {
			if perr := s.proc.Stop(timeout); perr != nil && err == nil {
				err = perr
			}
		}
		s.healthy.Store(false)
		s.rays.Close()

		s.mu.Lock()
		last := s.inflight
		s.inflight = nil
		s.mu.Unlock()
		s.release(last)
	})
	return err
}

func (s *Supervisor) Rays() *queue.Queue[raycast.Raycast] {
	return s.rays
}

func (s *Supervisor) HasRays() bool {
	return s.rays.HasAny()
}

func (s *Supervisor) Healthy() bool {
	return s.healthy.Load()
}
