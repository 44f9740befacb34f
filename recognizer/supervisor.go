// Package recognizer supervises the external face recognizer. Faces are cut
// out of every published frame, sent to the recognizer one at a time and
// routed to the recognized or unknown queue by its reply.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"RayRelay/config"
	iface "RayRelay/interface"
	"RayRelay/logger"
	"RayRelay/mailbox"
	"RayRelay/monitor"
	"RayRelay/process"
	"RayRelay/queue"
	"RayRelay/raycast"

	"go.uber.org/zap"
)

const Source = "faces"

// Conn is the recognizer's single stdio channel.
type Conn struct {
	Reader iface.LineReader
	Writer iface.LineWriter
	// closed on Stop so blocked reads return
	Closers []io.Closer
}

type Options struct {
	FaceDir      string
	EnrollPrefix string
	// pins a frame while faces are cut out of it
	Frames iface.FramePinner
	// shared with the relay; fresh queues when nil
	Recognized *queue.Queue[iface.Face]
	Unknown    *queue.Queue[iface.Face]
}

type Supervisor struct {
	mailbox   *mailbox.Mailbox
	res       *raycast.ResolutionCell
	extractor FaceExtractor
	frames    iface.FramePinner
	conn      Conn
	proc      *process.Process
	log       *zap.Logger

	faceDir      string
	enrollPrefix string
	cropMu       sync.Mutex

	faces      *queue.Queue[iface.Face]
	recognized *queue.Queue[iface.Face]
	unknown    *queue.Queue[iface.Face]

	healthy   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	stopOnce  sync.Once
}

func New(mb *mailbox.Mailbox, res *raycast.ResolutionCell, extractor FaceExtractor, conn Conn, opts Options) (*Supervisor, error) {
	dir, err := filepath.Abs(opts.FaceDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create face dir: %w", err)
	}
	s := &Supervisor{
		mailbox:      mb,
		res:          res,
		extractor:    extractor,
		frames:       opts.Frames,
		conn:         conn,
		log:          logger.With(Source),
		faceDir:      dir,
		enrollPrefix: opts.EnrollPrefix,
		faces:        queue.New[iface.Face](),
		recognized:   opts.Recognized,
		unknown:      opts.Unknown,
	}
	if s.recognized == nil {
		s.recognized = queue.New[iface.Face]()
	}
	if s.unknown == nil {
		s.unknown = queue.New[iface.Face]()
	}
	return s, nil
}

// Launch starts the recognizer binary and runs the supervisor over its stdio.
// An empty opts.EnrollPrefix takes the configured one.
func Launch(ctx context.Context, cfg config.RecognizerConfig, mb *mailbox.Mailbox,
	res *raycast.ResolutionCell, extractor FaceExtractor, opts Options) (*Supervisor, error) {
	if opts.EnrollPrefix == "" {
		opts.EnrollPrefix = cfg.EnrollPrefix
	}
	proc, err := process.Launch(ctx, Source, cfg.ProcessConfig, true)
	if err != nil {
		return nil, err
	}
	s, err := New(mb, res, extractor, Conn{
		Reader:  process.NewLines(proc.Stdout, Prompts...),
		Writer:  process.NewWriter(proc.Stdin),
		Closers: []io.Closer{proc.Stdout},
	}, opts)
	if err != nil {
		_ = proc.Stop(time.Second)
		return nil, err
	}
	s.proc = proc
	s.Run(ctx)
	return s, nil
}

// Run starts the extractor and the recognizer loop.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.healthy.Store(true)
	s.wg.Add(2)
	go s.guard("extractor", func() { s.extract(ctx) })
	go s.guard("recognizer", func() { s.recognize(ctx) })
}

func (s *Supervisor) guard(role string, fn func()) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("face recognizer worker panic", zap.String("role", role), zap.Any("panic", r))
			s.healthy.Store(false)
		}
	}()
	fn()
	s.log.Info("face recognizer worker exited", zap.String("role", role))
}

func (s *Supervisor) recognize(ctx context.Context) {
	for {
		line, err := s.conn.Reader.ReadLine()
		if err != nil {
			s.streamFailed(ctx, err)
			return
		}
		if line != PromptPath {
			if strings.TrimSpace(line) != "" {
				s.log.Debug("face recognizer says", zap.String("line", line))
			}
			continue
		}

		face, err := s.faces.Take(ctx)
		if err != nil {
			return
		}
		if err := s.conn.Writer.WriteLine(face.CropPath); err != nil {
			s.discard(face)
			s.streamFailed(ctx, err)
			return
		}
		reply, err := s.readReply()
		if err != nil {
			s.discard(face)
			s.streamFailed(ctx, err)
			return
		}
		if err := s.route(face, reply); err != nil {
			s.streamFailed(ctx, err)
			return
		}
	}
}

// readReply skips blank lines left over from the prompt framing.
func (s *Supervisor) readReply() (string, error) {
	for {
		line, err := s.conn.Reader.ReadLine()
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(line) != "" {
			return line, nil
		}
	}
}

// route files face by the recognizer's reply and deletes its crop.
func (s *Supervisor) route(face iface.Face, reply string) error {
	defer removeCrop(face.CropPath)
	switch {
	case reply == UnknownReply:
		// the recognizer now waits for a name to enrol the face under
		err := s.conn.Writer.WriteLine(s.enrollPrefix + face.ID)
		s.unknown.Put(face)
		monitor.Faces.WithLabelValues(monitor.FaceUnknown).Inc()
		return err
	case strings.HasPrefix(reply, LoadFailedPrefix):
		monitor.Faces.WithLabelValues(monitor.FaceFailed).Inc()
		s.log.Warn("face recognizer could not load crop", zap.String("face", face.ID), zap.String("reply", reply))
		return nil
	default:
		face.Name = strings.TrimSpace(strings.TrimPrefix(reply, KnownPrefix))
		s.recognized.Put(face)
		monitor.Faces.WithLabelValues(monitor.FaceRecognized).Inc()
		return nil
	}
}

func (s *Supervisor) discard(face iface.Face) {
	removeCrop(face.CropPath)
	monitor.Faces.WithLabelValues(monitor.FaceFailed).Inc()
}

func removeCrop(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.With(Source).Warn("failed to remove face crop", zap.String("path", path), zap.Error(err))
	}
}

func (s *Supervisor) streamFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.healthy.Store(false)
	if errors.Is(err, io.EOF) {
		s.log.Error("face recognizer closed its stream")
		return
	}
	s.log.Error("face recognizer stream failed", zap.Error(err))
}

func (s *Supervisor) closeStreams() {
	s.closeOnce.Do(func() {
		for _, c := range s.conn.Closers {
			_ = c.Close()
		}
	})
}

// Stop asks the recognizer to save and exit, then ends both workers even while
// they are blocked on a read. Faces already routed stay available.
func (s *Supervisor) Stop(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if werr := s.conn.Writer.WriteLine(StopWord); werr != nil {
			s.log.Debug("stop word not delivered", zap.Error(werr))
		}
		if s.proc != nil {
			// give the recognizer the chance to save its model before its output is cut
			select {
			case <-s.proc.Done():
			case <-time.After(timeout):
			}
		}
		s.closeStreams()
		s.faces.Close()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("face recognizer workers still running after %s", timeout)
		}
		if s.proc != nil {
			if perr := s.proc.Stop(timeout); perr != nil && err == nil {
				err = perr
			}
		}
		for _, f := range s.faces.Drain() {
			removeCrop(f.CropPath)
		}
		s.healthy.Store(false)
		s.recognized.Close()
		s.unknown.Close()
	})
	return err
}

func (s *Supervisor) Recognized() *queue.Queue[iface.Face] {
	return s.recognized
}

func (s *Supervisor) Unknown() *queue.Queue[iface.Face] {
	return s.unknown
}

func (s *Supervisor) HasRecognizedFaces() bool {
	return s.recognized.HasAny()
}

func (s *Supervisor) HasUnknownFaces() bool {
	return s.unknown.HasAny()
}

// Pending is the number of extracted faces not yet sent to the recognizer.
func (s *Supervisor) Pending() int {
	return s.faces.Len()
}

func (s *Supervisor) Healthy() bool {
	return s.healthy.Load()
}
