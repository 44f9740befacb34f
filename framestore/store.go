// Package framestore writes uploaded photos and their camera matrices to disk
// and keeps only the most recent ones.
package framestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	iface "RayRelay/interface"
	"RayRelay/logger"
	"RayRelay/raycast"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store struct {
	dir    string
	retain int

	mu     sync.Mutex
	frames []iface.Frame
	// frames a worker still needs; eviction skips them
	pins map[string]int
}

// New creates dir if needed. retain is the number of frames kept on disk; a
// detection for an older frame can no longer find its matrices.
func New(dir string, retain int) (*Store, error) {
	if retain < 1 {
		retain = 1
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &Store{dir: abs, retain: retain, pins: map[string]int{}}, nil
}

// Save persists one upload and returns its frame. The matrices text is stored as given.
func (s *Store) Save(photo []byte, matrices string) (iface.Frame, error) {
	id := uuid.NewString()
	f := iface.Frame{
		ID:           id,
		PhotoPath:    filepath.Join(s.dir, id+".jpg"),
		MatricesPath: filepath.Join(s.dir, id+".mats"),
		ReceivedAt:   time.Now(),
	}
	if err := os.WriteFile(f.PhotoPath, photo, 0o644); err != nil {
		return iface.Frame{}, fmt.Errorf("write photo: %w", err)
	}
	if err := os.WriteFile(f.MatricesPath, []byte(matrices), 0o644); err != nil {
		_ = os.Remove(f.PhotoPath)
		return iface.Frame{}, fmt.Errorf("write matrices: %w", err)
	}

	s.mu.Lock()
	s.frames = append(s.frames, f)
	evicted := s.trimLocked()
	s.mu.Unlock()

	for _, old := range evicted {
		removeFrame(old)
	}
	return f, nil
}

// trimLocked drops the oldest unpinned frames until at most retain unpinned
// frames are left. Pinned frames do not count against retain.
func (s *Store) trimLocked() []iface.Frame {
	excess := -s.retain
	for _, f := range s.frames {
		if s.pins[f.ID] == 0 {
			excess++
		}
	}
	if excess <= 0 {
		return nil
	}
	var evicted []iface.Frame
	kept := s.frames[:0:0]
	for _, f := range s.frames {
		if excess > 0 && s.pins[f.ID] == 0 {
			evicted = append(evicted, f)
			excess--
			continue
		}
		kept = append(kept, f)
	}
	s.frames = kept
	return evicted
}

// Acquire pins f so it survives eviction until Release. It reports false when
// f is no longer on disk.
func (s *Store) Acquire(f iface.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, held := range s.frames {
		if held.ID == f.ID {
			s.pins[f.ID]++
			return true
		}
	}
	return false
}

// Release undoes one Acquire. A frame that fell out of the window while
// pinned is deleted now.
func (s *Store) Release(f iface.Frame) {
	s.mu.Lock()
	if n := s.pins[f.ID]; n > 1 {
		s.pins[f.ID] = n - 1
	} else {
		delete(s.pins, f.ID)
	}
	evicted := s.trimLocked()
	s.mu.Unlock()

	for _, old := range evicted {
		removeFrame(old)
	}
}

// Len is the number of frames currently on disk.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Clear deletes every retained frame.
func (s *Store) Clear() {
	s.mu.Lock()
	frames := s.frames
	s.frames = nil
	s.pins = map[string]int{}
	s.mu.Unlock()
	for _, f := range frames {
		removeFrame(f)
	}
}

func removeFrame(f iface.Frame) {
	for _, p := range []string{f.PhotoPath, f.MatricesPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Log().Warn("failed to remove frame file", zap.String("path", p), zap.Error(err))
		}
	}
}

// LoadMatrices reads and parses the matrices stored with f.
func LoadMatrices(f iface.Frame) (projection, world raycast.Matrix4, err error) {
	data, err := os.ReadFile(f.MatricesPath)
	if err != nil {
		return projection, world, fmt.Errorf("frame %s matrices: %w", f.ID, err)
	}
	return raycast.ParseMatrices(string(data))
}
