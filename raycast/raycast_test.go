package raycast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnproject(t *testing.T) {
	proj, _, err := ParseMatrices(hololensMats)
	require.NoError(t, err)

	points := []Vec3{
		{X: 0, Y: 0, Z: 1},
		{X: -1, Y: 1, Z: 1},
		{X: 0.25, Y: -0.75, Z: 1},
		{X: 0.9, Y: 0.1, Z: 0.5},
	}
	for _, p := range points {
		back := Project(proj, Unproject(proj, p))
		assert.InDelta(t, p.X, back.X, 1e-12)
		assert.InDelta(t, p.Y, back.Y, 1e-12)
		assert.InDelta(t, p.Z, back.Z, 1e-12)
	}
}

func TestUnprojectUsesOffAxisTerms(t *testing.T) {
	proj := Identity()
	proj[0][0], proj[1][1], proj[2][2] = 2, 4, -1
	proj[0][2], proj[1][2] = 0.5, 0.25

	got := Unproject(proj, Vec3{X: 1, Y: 1, Z: 1})
	assert.InDelta(t, -1.0, got.Z, 1e-12)
	assert.InDelta(t, (1+0.25)/4, got.Y, 1e-12)
	assert.InDelta(t, (1+0.5)/2, got.X, 1e-12)
}

func TestFromDetection(t *testing.T) {
	res := Resolution{Width: 1280, Height: 720}

	t.Run("Test Center Maps To Origin", func(t *testing.T) {
		d, err := ParseDetection("person;0.9;640;360;100;200")
		require.NoError(t, err)
		ray, err := FromDetection(d, Identity(), Identity(), res)
		require.NoError(t, err)

		nx, ny := Normalize(d.X, d.Y, res)
		assert.Equal(t, 0.0, nx)
		assert.Equal(t, 0.0, ny)
		assert.Equal(t, Vec3{}, ray.Near)
		assert.Equal(t, Vec3{X: 0, Y: 0, Z: 1}, ray.Far)
		assert.Equal(t, "person", ray.Label)
		assert.Equal(t, 0.9, ray.Confidence)
		assert.Equal(t, 100.0, ray.Width)
		assert.Equal(t, 200.0, ray.Height)
	})

	t.Run("Test Corners Flip Y", func(t *testing.T) {
		ray, err := FromDetection(Detection2D{Label: "cup", X: 0, Y: 0}, Identity(), Identity(), res)
		require.NoError(t, err)
		assert.Equal(t, Vec3{X: -1, Y: 1, Z: 1}, ray.Far)

		ray, err = FromDetection(Detection2D{Label: "cup", X: 1280, Y: 720}, Identity(), Identity(), res)
		require.NoError(t, err)
		assert.Equal(t, Vec3{X: 1, Y: -1, Z: 1}, ray.Far)
	})

	t.Run("Test World Transform Moves Both Points", func(t *testing.T) {
		world := Identity()
		world[0][3], world[1][3], world[2][3] = 0.5, 1.6, -2
		ray, err := FromDetection(Detection2D{Label: "tv", X: 640, Y: 360}, Identity(), world, res)
		require.NoError(t, err)
		assert.Equal(t, Vec3{X: 0.5, Y: 1.6, Z: -2}, ray.Near)
		assert.Equal(t, Vec3{X: 0.5, Y: 1.6, Z: -1}, ray.Far)
	})

	t.Run("Test Degenerate Inputs", func(t *testing.T) {
		_, err := FromDetection(Detection2D{Label: "tv"}, Identity(), Identity(), Resolution{})
		assert.ErrorIs(t, err, ErrDegenerate)

		proj := Identity()
		proj[1][1] = 0
		_, err = FromDetection(Detection2D{Label: "tv"}, proj, Identity(), res)
		assert.ErrorIs(t, err, ErrDegenerate)
	})
}

func TestRaycastString(t *testing.T) {
	ray := Raycast{
		Label:      "person",
		Confidence: 0.9,
		Near:       Vec3{X: 0, Y: 1.5, Z: 0},
		Far:        Vec3{X: 0.25, Y: -1, Z: 1},
		Width:      100,
		Height:     201,
	}
	assert.Equal(t, "person;0.9;0,1.5,0;0.25,-1,1;50;100.5", ray.String())
}

func TestParseDetection(t *testing.T) {
	d, err := ParseDetection("dining table;0.57;10.5;20;30;40\n")
	require.NoError(t, err)
	assert.Equal(t, Detection2D{Label: "dining table", Confidence: 0.57, X: 10.5, Y: 20, W: 30, H: 40}, d)
	assert.Equal(t, "dining table;0.57;10.5;20;30;40", d.String())

	for _, bad := range []string{"", "person;0.9;1;2;3", "person;0.9;1;2;3;4;5", ";0.9;1;2;3;4", "person;high;1;2;3;4"} {
		_, err := ParseDetection(bad)
		assert.ErrorIs(t, err, ErrParse, bad)
	}
}

func TestResolution(t *testing.T) {
	r, err := ParseResolution("1920x1080")
	require.NoError(t, err)
	assert.Equal(t, Resolution{Width: 1920, Height: 1080}, r)

	for _, bad := range []string{"1920", "x1080", "0x720", "axb", "-1x5"} {
		_, err := ParseResolution(bad)
		assert.ErrorIs(t, err, ErrParse, bad)
	}

	cell := NewResolutionCell(1280, 720)
	assert.Equal(t, Resolution{Width: 1280, Height: 720}, cell.Get())
	require.NoError(t, cell.Set(r))
	assert.Equal(t, r, cell.Get())
	assert.Error(t, cell.Set(Resolution{Width: 0, Height: 3}))
	assert.Equal(t, r, cell.Get())
}
