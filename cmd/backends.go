package cmd

import (
	"context"
	"sync"
	"sync/atomic"

	"RayRelay/cascade"
	"RayRelay/config"
	"RayRelay/detector"
	"RayRelay/framestore"
	iface "RayRelay/interface"
	"RayRelay/logger"
	"RayRelay/mailbox"
	"RayRelay/queue"
	"RayRelay/raycast"
	"RayRelay/recognizer"

	"go.uber.org/zap"
)

// backends owns the queues the relay answers from and starts both supervisors
// in the background. A supervisor that fails to start leaves its queues empty.
type backends struct {
	cfg   *config.Config
	store *framestore.Store
	res   *raycast.ResolutionCell

	objectsBox *mailbox.Mailbox
	facesBox   *mailbox.Mailbox

	rays       *queue.Queue[raycast.Raycast]
	recognized *queue.Queue[iface.Face]
	unknown    *queue.Queue[iface.Face]

	objects atomic.Pointer[detector.Supervisor]
	faces   atomic.Pointer[recognizer.Supervisor]
	// read only after launching is done
	finder    *cascade.Detector
	launching sync.WaitGroup
}

func newBackends(cfg *config.Config, store *framestore.Store, res *raycast.ResolutionCell) *backends {
	return &backends{
		cfg:        cfg,
		store:      store,
		res:        res,
		objectsBox: mailbox.New(detector.Source),
		facesBox:   mailbox.New(recognizer.Source),
		rays:       queue.New[raycast.Raycast](),
		recognized: queue.New[iface.Face](),
		unknown:    queue.New[iface.Face](),
	}
}

func (b *backends) launch(ctx context.Context) {
	b.launching.Add(2)
	go func() {
		defer b.launching.Done()
		b.launchObjects(ctx)
	}()
	go func() {
		defer b.launching.Done()
		b.launchFaces(ctx)
	}()
}

func (b *backends) launchObjects(ctx context.Context) {
	s, err := detector.Launch(ctx, b.cfg.ObjectDetector, b.objectsBox, b.res, detector.Options{
		Frames: b.store,
		Rays:   b.rays,
	})
	if err != nil {
		launchFailed(ctx, detector.Source, err)
		return
	}
	b.objects.Store(s)
	logger.With(detector.Source).Info("object detector running")
}

func (b *backends) launchFaces(ctx context.Context) {
	rc := b.cfg.FaceRecognizer
	finder, err := cascade.New(rc.Cascade, rc.ScaleFactor, rc.MinNeighbors)
	if err != nil {
		launchFailed(ctx, recognizer.Source, err)
		return
	}
	s, err := recognizer.Launch(ctx, rc, b.facesBox, b.res, finder, recognizer.Options{
		FaceDir:    b.cfg.Storage.FaceDir,
		Frames:     b.store,
		Recognized: b.recognized,
		Unknown:    b.unknown,
	})
	if err != nil {
		_ = finder.Close()
		launchFailed(ctx, recognizer.Source, err)
		return
	}
	b.finder = finder
	b.faces.Store(s)
	logger.With(recognizer.Source).Info("face recognizer running")
}

func launchFailed(ctx context.Context, source string, err error) {
	if ctx.Err() != nil {
		return
	}
	logger.With(source).Error("failed to start, serving without it", zap.Error(err))
}

func (b *backends) objectsHealthy() bool {
	s := b.objects.Load()
	return s != nil && s.Healthy()
}

func (b *backends) facesHealthy() bool {
	s := b.faces.Load()
	return s != nil && s.Healthy()
}

// stop waits for pending launches and stops whatever started.
func (b *backends) stop() {
	b.launching.Wait()
	if s := b.objects.Load(); s != nil {
		stopWithLog("object detector", s.Stop, b.cfg)
	}
	if s := b.faces.Load(); s != nil {
		stopWithLog("face recognizer", s.Stop, b.cfg)
	}
	if b.finder != nil {
		_ = b.finder.Close()
	}
}

func (b *backends) stats() map[string]any {
	r := b.res.Get()
	objPublished, objDrops := b.objectsBox.Stats()
	facePublished, faceDrops := b.facesBox.Stats()
	pending := 0
	if s := b.faces.Load(); s != nil {
		pending = s.Pending()
	}
	return map[string]any{
		"rays":             b.rays.Len(),
		"recognizedFaces":  b.recognized.Len(),
		"unknownFaces":     b.unknown.Len(),
		"pendingFaces":     pending,
		"storedFrames":     b.store.Len(),
		"objectsPublished": objPublished,
		"objectsDrops":     objDrops,
		"facesPublished":   facePublished,
		"facesDrops":       faceDrops,
		"cameraWidth":      r.Width,
		"cameraHeight":     r.Height,
		"objectsHealthy":   b.objectsHealthy(),
		"facesHealthy":     b.facesHealthy(),
	}
}
