package raycast

import (
	"fmt"
	"strconv"
	"strings"
)

// Detection2D is one finding on a photo: center (X, Y) and full size (W, H) in pixels.
type Detection2D struct {
	Label      string
	Confidence float64
	X, Y       float64
	W, H       float64
}

// ParseDetection reads a detector line "label;confidence;x;y;w;h".
func ParseDetection(line string) (Detection2D, error) {
	var d Detection2D
	fields := strings.Split(strings.TrimRight(line, "\r\n"), ";")
	if len(fields) != 6 {
		return d, fmt.Errorf("%w: detection %q has %d fields, want 6", ErrParse, line, len(fields))
	}
	d.Label = strings.TrimSpace(fields[0])
	if d.Label == "" {
		return d, fmt.Errorf("%w: detection %q has an empty label", ErrParse, line)
	}
	values := make([]float64, 5)
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return d, fmt.Errorf("%w: detection %q field %d: %v", ErrParse, line, i+1, err)
		}
		values[i] = v
	}
	d.Confidence, d.X, d.Y, d.W, d.H = values[0], values[1], values[2], values[3], values[4]
	return d, nil
}

func (d Detection2D) String() string {
	return strings.Join([]string{
		d.Label,
		formatFloat(d.Confidence),
		formatFloat(d.X),
		formatFloat(d.Y),
		formatFloat(d.W),
		formatFloat(d.H),
	}, ";")
}
