package raycast

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrParse is wrapped by every matrix, detection and resolution parsing failure.
var ErrParse = errors.New("parse error")

const (
	projectionKey = "Projection"
	worldKey      = "World"
)

// Matrix4 is a row-major 4x4 matrix.
type Matrix4 [4][4]float64

// Vec3 is a point in camera or world space.
type Vec3 struct {
	X, Y, Z float64
}

func Identity() Matrix4 {
	return Matrix4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Transform multiplies m by the homogeneous point (p, 1) and keeps the xyz part.
// No perspective divide is applied.
func (m Matrix4) Transform(p Vec3) Vec3 {
	v := [4]float64{p.X, p.Y, p.Z, 1}
	var out [3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			out[r] += m[r][c] * v[c]
		}
	}
	return Vec3{X: out[0], Y: out[1], Z: out[2]}
}

func (v Vec3) String() string {
	return formatFloat(v.X) + "," + formatFloat(v.Y) + "," + formatFloat(v.Z)
}

// ParseMatrices reads text of the form "Projection:<rows>;World:<rows>".
// Rows are newline separated, values whitespace separated, blank lines skipped.
func ParseMatrices(text string) (projection, world Matrix4, err error) {
	first, second, found := strings.Cut(text, ";")
	if !found {
		return projection, world, fmt.Errorf("%w: missing %s section", ErrParse, worldKey)
	}
	projection, err = parseSection(first, projectionKey)
	if err != nil {
		return projection, world, err
	}
	world, err = parseSection(second, worldKey)
	if err != nil {
		return projection, world, err
	}
	return projection, world, nil
}

func parseSection(section, key string) (Matrix4, error) {
	var m Matrix4
	label, body, found := strings.Cut(section, ":")
	if !found || strings.TrimSpace(label) != key {
		return m, fmt.Errorf("%w: missing %s section", ErrParse, key)
	}
	row := 0
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if row == 4 {
			return m, fmt.Errorf("%w: %s has more than 4 rows", ErrParse, key)
		}
		if len(fields) != 4 {
			return m, fmt.Errorf("%w: %s row %d has %d columns, want 4", ErrParse, key, row, len(fields))
		}
		for col, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return m, fmt.Errorf("%w: %s[%d][%d] %q is not a number", ErrParse, key, row, col, f)
			}
			m[row][col] = v
		}
		row++
	}
	if row != 4 {
		return m, fmt.Errorf("%w: %s has %d rows, want 4", ErrParse, key, row)
	}
	return m, nil
}

// FormatMatrices is the inverse of ParseMatrices. Values are written with the
// shortest representation that parses back to the same float64.
func FormatMatrices(projection, world Matrix4) string {
	var b strings.Builder
	b.WriteString(projectionKey + ":\n")
	writeMatrix(&b, projection)
	b.WriteString(";" + worldKey + ":\n")
	writeMatrix(&b, world)
	return b.String()
}

func writeMatrix(b *strings.Builder, m Matrix4) {
	for _, row := range m {
		for c, v := range row {
			if c > 0 {
				b.WriteByte('\t')
			}
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		b.WriteByte('\n')
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
