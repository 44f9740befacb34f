// Package relay speaks the device protocol: frames come in with PUT, commands
// with POST, and every request is answered with a short text body.
package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"RayRelay/framestore"
	iface "RayRelay/interface"
	"RayRelay/logger"
	"RayRelay/mailbox"
	"RayRelay/monitor"
	"RayRelay/queue"
	"RayRelay/raycast"

	"go.uber.org/zap"
)

const (
	ReplyGood         = "Good"
	ReplyPhotoRequest = "PhotoRequest"

	CmdLetsGo      = "letsgo"
	CmdNextObjects = "nextobjects"
	CmdNextFaces   = "nextfaces"
	CmdCamSize     = "camsize"
	CmdObjects     = "obj"

	rayNull     = "ray:null"
	faceNull    = "faceray:null"
	unknownNull = "unknownface:ray:null"
)

var ErrUpload = errors.New("malformed upload")

// Relay is the dispatcher shared by every request.
type Relay struct {
	store      *framestore.Store
	mailboxes  []*mailbox.Mailbox
	res        *raycast.ResolutionCell
	rays       *queue.Queue[raycast.Raycast]
	recognized *queue.Queue[iface.Face]
	unknown    *queue.Queue[iface.Face]
	replyWait  time.Duration
}

type Options struct {
	Store *framestore.Store
	// each uploaded frame is published to every mailbox
	Mailboxes  []*mailbox.Mailbox
	Resolution *raycast.ResolutionCell
	// nil queues answer as if empty
	Rays       *queue.Queue[raycast.Raycast]
	Recognized *queue.Queue[iface.Face]
	Unknown    *queue.Queue[iface.Face]
	ReplyWait  time.Duration
}

func New(opts Options) *Relay {
	return &Relay{
		store:      opts.Store,
		mailboxes:  opts.Mailboxes,
		res:        opts.Resolution,
		rays:       opts.Rays,
		recognized: opts.Recognized,
		unknown:    opts.Unknown,
		replyWait:  opts.ReplyWait,
	}
}

// SplitUpload cuts an upload into the photo and the matrices text. The body is
// a 4 byte little endian photo length, the photo, then the matrices.
func SplitUpload(body []byte) ([]byte, string, error) {
	if len(body) < 4 {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrUpload, len(body))
	}
	n := binary.LittleEndian.Uint32(body[:4])
	if uint64(n) > uint64(len(body)-4) {
		return nil, "", fmt.Errorf("%w: photo length %d exceeds body", ErrUpload, n)
	}
	photo := body[4 : 4+n]
	// the device pads the matrices with NUL bytes
	mats := strings.ReplaceAll(string(body[4+n:]), "\x00", " ")
	return photo, mats, nil
}

// Upload stores a frame and hands it to every supervisor.
func (r *Relay) Upload(body []byte) (iface.Frame, error) {
	photo, mats, err := SplitUpload(body)
	if err != nil {
		return iface.Frame{}, err
	}
	if len(photo) == 0 {
		return iface.Frame{}, fmt.Errorf("%w: empty photo", ErrUpload)
	}
	if _, _, err := raycast.ParseMatrices(mats); err != nil {
		return iface.Frame{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	frame, err := r.store.Save(photo, mats)
	if err != nil {
		return iface.Frame{}, err
	}
	for _, mb := range r.mailboxes {
		mb.Publish(frame)
	}
	monitor.FramesReceived.Inc()
	logger.Log().Debug("frame received", zap.String("frame", frame.ID), zap.Int("photoBytes", len(photo)))
	return frame, nil
}

// Dispatch answers one command body with a status code and a reply.
func (r *Relay) Dispatch(ctx context.Context, msg string) (int, string) {
	msg = strings.TrimSpace(msg)
	switch {
	case msg == CmdLetsGo:
		monitor.Requests.WithLabelValues(CmdLetsGo).Inc()
		return 200, ReplyPhotoRequest
	case msg == CmdNextObjects:
		monitor.Requests.WithLabelValues(CmdNextObjects).Inc()
		return 200, r.NextObjects(ctx)
	case msg == CmdNextFaces:
		monitor.Requests.WithLabelValues(CmdNextFaces).Inc()
		return 200, r.NextFaces()
	case strings.HasPrefix(msg, CmdCamSize):
		monitor.Requests.WithLabelValues(CmdCamSize).Inc()
		res, err := raycast.ParseResolution(strings.TrimPrefix(msg, CmdCamSize))
		if err == nil {
			err = r.res.Set(res)
		}
		if err != nil {
			logger.Log().Warn("bad camera size", zap.String("msg", msg), zap.Error(err))
			return 400, err.Error()
		}
		logger.Log().Info("camera resolution set", zap.Float64("width", res.Width), zap.Float64("height", res.Height))
		return 200, ReplyGood
	case strings.HasPrefix(msg, CmdObjects):
		// placed objects reported by the device; nothing consumes them yet
		monitor.Requests.WithLabelValues(CmdObjects).Inc()
		return 200, ReplyGood
	default:
		monitor.Requests.WithLabelValues("other").Inc()
		return 200, ReplyGood
	}
}

// NextObjects drains the ray queue. With nothing ready it waits up to the
// reply wait for a first ray.
func (r *Relay) NextObjects(ctx context.Context) string {
	if r.rays == nil {
		return rayNull
	}
	var lines []string
	if r.replyWait > 0 && !r.rays.HasAny() {
		waitCtx, cancel := context.WithTimeout(ctx, r.replyWait)
		ray, err := r.rays.Take(waitCtx)
		cancel()
		if err == nil {
			lines = append(lines, "ray:"+ray.String())
		}
	}
	for _, ray := range r.rays.Drain() {
		lines = append(lines, "ray:"+ray.String())
	}
	if len(lines) == 0 {
		return rayNull
	}
	return strings.Join(lines, "\n")
}

// NextFaces drains both face queues: recognized faces first, then unknown ones.
func (r *Relay) NextFaces() string {
	var lines []string
	recognized := drain(r.recognized)
	if len(recognized) == 0 {
		lines = append(lines, faceNull)
	}
	for i := range recognized {
		lines = append(lines, "faceray:"+recognized[i].String())
	}
	unknown := drain(r.unknown)
	if len(unknown) == 0 {
		lines = append(lines, unknownNull)
	}
	for _, f := range unknown {
		lines = append(lines, "unknownface:ray:"+f.Ray.String())
	}
	return strings.Join(lines, "\n")
}

func drain(q *queue.Queue[iface.Face]) []iface.Face {
	if q == nil {
		return nil
	}
	return q.Drain()
}
