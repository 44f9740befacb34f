package recognizer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"

	"RayRelay/framestore"
	iface "RayRelay/interface"
	"RayRelay/raycast"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	FaceLabel      = "Unknown face"
	faceConfidence = 100
	cropQuality    = 95
)

// FaceExtractor finds face regions in a photo, in image pixel coordinates.
type FaceExtractor interface {
	Detect(photoPath string) ([]image.Rectangle, error)
}

func (s *Supervisor) extract(ctx context.Context) {
	for {
		frame, err := s.mailbox.Take(ctx)
		if err != nil {
			return
		}
		n, err := s.extractFrame(frame)
		if err != nil {
			s.log.Warn("face extraction failed", zap.String("frame", frame.ID), zap.Error(err))
			continue
		}
		if n > 0 {
			s.log.Debug("faces extracted", zap.String("frame", frame.ID), zap.Int("faces", n))
		}
	}
}

var errEvicted = errors.New("frame evicted before extraction")

// extractFrame queues one Face per region found in frame.
func (s *Supervisor) extractFrame(frame iface.Frame) (int, error) {
	if s.frames != nil {
		if !s.frames.Acquire(frame) {
			return 0, errEvicted
		}
		defer s.frames.Release(frame)
	}
	rects, err := s.extractor.Detect(frame.PhotoPath)
	if err != nil {
		return 0, err
	}
	if len(rects) == 0 {
		return 0, nil
	}
	proj, world, err := framestore.LoadMatrices(frame)
	if err != nil {
		return 0, err
	}
	photo, err := imaging.Open(frame.PhotoPath)
	if err != nil {
		return 0, fmt.Errorf("open photo: %w", err)
	}
	gray := imaging.Grayscale(photo)
	res := s.res.Get()

	queued := 0
	for _, r := range rects {
		d := raycast.Detection2D{
			Label:      FaceLabel,
			Confidence: faceConfidence,
			X:          float64(r.Min.X) + float64(r.Dx())/2,
			Y:          float64(r.Min.Y) + float64(r.Dy())/2,
			W:          float64(r.Dx()),
			H:          float64(r.Dy()),
		}
		ray, err := raycast.FromDetection(d, proj, world, res)
		if err != nil {
			s.log.Warn("skipping face", zap.String("frame", frame.ID), zap.Error(err))
			continue
		}
		path, err := s.saveCrop(gray, r)
		if err != nil {
			s.log.Warn("skipping face", zap.String("frame", frame.ID), zap.Error(err))
			continue
		}
		s.faces.Put(iface.Face{
			ID:       uuid.NewString(),
			CropPath: path,
			Ray:      ray,
			Name:     iface.UnknownName,
		})
		queued++
	}
	return queued, nil
}

func (s *Supervisor) saveCrop(img image.Image, r image.Rectangle) (string, error) {
	if r.Intersect(img.Bounds()).Empty() {
		return "", fmt.Errorf("face %v outside the photo", r)
	}
	s.cropMu.Lock()
	defer s.cropMu.Unlock()
	path := nextFreeCrop(s.faceDir)
	if err := imaging.Save(imaging.Crop(img, r), path, imaging.JPEGQuality(cropQuality)); err != nil {
		return "", fmt.Errorf("save crop: %w", err)
	}
	return path, nil
}

// nextFreeCrop returns <dir>/<n>.jpg for the lowest n not in use.
func nextFreeCrop(dir string) string {
	for i := 0; ; i++ {
		p := filepath.Join(dir, strconv.Itoa(i)+".jpg")
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p
		}
	}
}
