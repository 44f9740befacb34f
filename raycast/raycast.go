// Package raycast turns 2D detections into world-space rays using the camera
// matrices captured with the photo.
package raycast

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrDegenerate = errors.New("degenerate projection")

// Raycast is the line of sight from the camera (Near) through a detection (Far),
// both in world space. Width and Height are the detection's pixel size.
type Raycast struct {
	Label      string
	Confidence float64
	Near       Vec3
	Far        Vec3
	Width      float64
	Height     float64
}

// Unproject returns one camera-space point whose projection by an axis-aligned
// perspective matrix is p. It is not a general 4x4 inverse.
func Unproject(projection Matrix4, p Vec3) Vec3 {
	var out Vec3
	out.Z = p.Z / projection[2][2]
	out.Y = (p.Y - out.Z*projection[1][2]) / projection[1][1]
	out.X = (p.X - out.Z*projection[0][2]) / projection[0][0]
	return out
}

// Project is the forward direction of Unproject.
func Project(projection Matrix4, p Vec3) Vec3 {
	return Vec3{
		X: projection[0][0]*p.X + projection[0][2]*p.Z,
		Y: projection[1][1]*p.Y + projection[1][2]*p.Z,
		Z: projection[2][2] * p.Z,
	}
}

// Normalize maps a pixel position to [-1, 1] on both axes, Y pointing up.
func Normalize(x, y float64, res Resolution) (float64, float64) {
	u := x / res.Width
	v := 1 - y/res.Height
	return u*2 - 1, v*2 - 1
}

// FromDetection builds the world-space ray towards d.
func FromDetection(d Detection2D, projection, world Matrix4, res Resolution) (Raycast, error) {
	if !res.Valid() {
		return Raycast{}, fmt.Errorf("%w: resolution %vx%v", ErrDegenerate, res.Width, res.Height)
	}
	if projection[0][0] == 0 || projection[1][1] == 0 || projection[2][2] == 0 {
		return Raycast{}, fmt.Errorf("%w: zero on the projection diagonal", ErrDegenerate)
	}
	nx, ny := Normalize(d.X, d.Y, res)
	camera := Unproject(projection, Vec3{X: nx, Y: ny, Z: 1})
	far := world.Transform(camera)
	if math.IsNaN(far.X) || math.IsNaN(far.Y) || math.IsNaN(far.Z) {
		return Raycast{}, fmt.Errorf("%w: ray for %q is not a number", ErrDegenerate, d.Label)
	}
	return Raycast{
		Label:      d.Label,
		Confidence: d.Confidence,
		Near:       world.Transform(Vec3{}),
		Far:        far,
		Width:      d.W,
		Height:     d.H,
	}, nil
}

// String is the device wire form: label;confidence;near;far;halfW;halfH.
func (r Raycast) String() string {
	return strings.Join([]string{
		r.Label,
		formatFloat(r.Confidence),
		r.Near.String(),
		r.Far.String(),
		formatFloat(r.Width / 2),
		formatFloat(r.Height / 2),
	}, ";")
}
