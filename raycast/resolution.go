package raycast

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Resolution is the pixel size of the photos the device uploads.
type Resolution struct {
	Width, Height float64
}

func (r Resolution) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

// ParseResolution reads "<W>x<H>", e.g. "1280x720".
func ParseResolution(s string) (Resolution, error) {
	ws, hs, found := strings.Cut(strings.TrimSpace(s), "x")
	if !found {
		return Resolution{}, fmt.Errorf("%w: resolution %q is not <W>x<H>", ErrParse, s)
	}
	w, err := strconv.ParseFloat(ws, 64)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: resolution width %q", ErrParse, ws)
	}
	h, err := strconv.ParseFloat(hs, 64)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: resolution height %q", ErrParse, hs)
	}
	r := Resolution{Width: w, Height: h}
	if !r.Valid() {
		return Resolution{}, fmt.Errorf("%w: resolution %q must be positive", ErrParse, s)
	}
	return r, nil
}

// ResolutionCell is the camera resolution shared by the relay (writer) and
// both supervisors (readers). Last write wins.
type ResolutionCell struct {
	mu  sync.RWMutex
	res Resolution
}

func NewResolutionCell(width, height float64) *ResolutionCell {
	return &ResolutionCell{res: Resolution{Width: width, Height: height}}
}

func (c *ResolutionCell) Set(r Resolution) error {
	if !r.Valid() {
		return fmt.Errorf("invalid resolution %vx%v", r.Width, r.Height)
	}
	c.mu.Lock()
	c.res = r
	c.mu.Unlock()
	return nil
}

func (c *ResolutionCell) Get() Resolution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.res
}
