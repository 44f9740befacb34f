// Package cascade finds faces with an OpenCV Haar cascade.
package cascade

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

var ErrLoad = errors.New("cascade classifier not loaded")

// Detector runs DetectMultiScale over grayscale photos. The classifier is not
// safe for concurrent use, so calls are serialised.
type Detector struct {
	mu           sync.Mutex
	classifier   gocv.CascadeClassifier
	scaleFactor  float64
	minNeighbors int
	minSize      image.Point
}

func New(path string, scaleFactor float64, minNeighbors int) (*Detector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		_ = classifier.Close()
		return nil, fmt.Errorf("%w: %s", ErrLoad, path)
	}
	return &Detector{
		classifier:   classifier,
		scaleFactor:  scaleFactor,
		minNeighbors: minNeighbors,
	}, nil
}

// Detect returns the face boxes found in the photo at photoPath.
func (d *Detector) Detect(photoPath string) ([]image.Rectangle, error) {
	gray := gocv.IMRead(photoPath, gocv.IMReadGrayScale)
	defer gray.Close()
	if gray.Empty() {
		return nil, fmt.Errorf("read %s: empty image", photoPath)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier.DetectMultiScaleWithParams(gray, d.scaleFactor, d.minNeighbors, 0, d.minSize, image.Point{}), nil
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier.Close()
}
