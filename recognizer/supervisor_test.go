package recognizer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"RayRelay/framestore"
	iface "RayRelay/interface"
	"RayRelay/mailbox"
	"RayRelay/process"
	"RayRelay/queue"
	"RayRelay/raycast"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	rects []image.Rectangle
	err   error
}

func (f fakeExtractor) Detect(string) ([]image.Rectangle, error) {
	return f.rects, f.err
}

// harness plays the recognizer binary over a pair of pipes.
type harness struct {
	sup     *Supervisor
	mailbox *mailbox.Mailbox
	store   *framestore.Store
	out     *io.PipeWriter
	in      chan string
}

func newHarness(t *testing.T, ex FaceExtractor) *harness {
	t.Helper()
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	store, err := framestore.New(t.TempDir(), 4)
	require.NoError(t, err)

	h := &harness{
		mailbox: mailbox.New(Source),
		store:   store,
		out:     outW,
		in:      make(chan string, 16),
	}
	go func() {
		lines := process.NewLines(inR)
		for {
			line, err := lines.ReadLine()
			if err != nil {
				return
			}
			h.in <- line
		}
	}()

	h.sup, err = New(h.mailbox, raycast.NewResolutionCell(200, 100), ex, Conn{
		Reader:  process.NewLines(outR, Prompts...),
		Writer:  process.NewWriter(inW),
		Closers: []io.Closer{outR},
	}, Options{FaceDir: t.TempDir(), EnrollPrefix: "person-", Frames: store})
	require.NoError(t, err)
	h.sup.Run(context.Background())
	t.Cleanup(func() {
		_ = h.sup.Stop(time.Second)
		_ = inR.Close()
	})
	return h
}

func (h *harness) publish(t *testing.T) iface.Frame {
	t.Helper()
	var photo bytes.Buffer
	require.NoError(t, imaging.Encode(&photo, imaging.New(200, 100, color.White), imaging.JPEG))
	f, err := h.store.Save(photo.Bytes(), raycast.FormatMatrices(raycast.Identity(), raycast.Identity()))
	require.NoError(t, err)
	h.mailbox.Publish(f)
	return f
}

func (h *harness) say(t *testing.T, text string) {
	t.Helper()
	_, err := io.WriteString(h.out, text)
	require.NoError(t, err)
}

func (h *harness) heard(t *testing.T) string {
	t.Helper()
	select {
	case line := <-h.in:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("nothing written to the recognizer")
		return ""
	}
}

func assertRemoved(t *testing.T, path string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond, "%s not removed", path)
}

var oneFace = fakeExtractor{rects: []image.Rectangle{image.Rect(50, 20, 90, 60)}}

func TestUnknownFaceRouted(t *testing.T) {
	h := newHarness(t, oneFace)
	h.publish(t)

	h.say(t, PromptPath)
	crop := h.heard(t)
	img, err := imaging.Open(crop)
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
	assert.Equal(t, 40, img.Bounds().Dy())

	h.say(t, UnknownReply)
	enrol := h.heard(t)
	assert.True(t, strings.HasPrefix(enrol, "person-"), enrol)

	face, err := h.sup.Unknown().Get(true, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, iface.UnknownName, face.Name)
	assert.Equal(t, FaceLabel, face.Ray.Label)
	assert.Equal(t, 100.0, face.Ray.Confidence)
	assert.Equal(t, "person-"+face.ID, enrol)
	assert.False(t, h.sup.HasRecognizedFaces())
	assertRemoved(t, crop)
}

func TestRecognizedFaceRouted(t *testing.T) {
	h := newHarness(t, oneFace)
	h.publish(t)

	h.say(t, PromptPath)
	crop := h.heard(t)
	h.say(t, KnownPrefix+"alice\n")

	face, err := h.sup.Recognized().Get(true, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alice", face.Name)
	assert.Equal(t, "ray:"+face.Ray.String()+"|name:alice", face.String())
	assert.False(t, h.sup.HasUnknownFaces())
	assertRemoved(t, crop)
}

func TestLoadFailureDropsFace(t *testing.T) {
	h := newHarness(t, oneFace)
	h.publish(t)

	h.say(t, PromptPath)
	crop := h.heard(t)
	h.say(t, LoadFailedPrefix+" "+crop+"\n")
	h.say(t, PromptPath)

	assertRemoved(t, crop)
	assert.False(t, h.sup.HasRecognizedFaces())
	assert.False(t, h.sup.HasUnknownFaces())
}

func TestPromptWaitsForFace(t *testing.T) {
	h := newHarness(t, oneFace)
	h.say(t, "Model loaded\n"+PromptPath)

	select {
	case line := <-h.in:
		t.Fatalf("%q written without an extracted face", line)
	case <-time.After(50 * time.Millisecond):
	}

	h.publish(t)
	assert.True(t, strings.HasSuffix(h.heard(t), "0.jpg"))
}

func TestRouteAnyOtherLineIsAName(t *testing.T) {
	h := newHarness(t, fakeExtractor{})
	crop := filepath.Join(t.TempDir(), "0.jpg")
	require.NoError(t, os.WriteFile(crop, nil, 0o644))

	require.NoError(t, h.sup.route(iface.Face{ID: "f", CropPath: crop, Name: iface.UnknownName}, "bob"))
	face, ok := h.sup.Recognized().TryTake()
	require.True(t, ok)
	assert.Equal(t, "bob", face.Name)
	assert.NoFileExists(t, crop)
}

func TestExtractFrame(t *testing.T) {
	t.Run("Test Two Faces", func(t *testing.T) {
		h := newHarness(t, fakeExtractor{rects: []image.Rectangle{
			image.Rect(0, 0, 10, 10),
			image.Rect(100, 50, 120, 80),
		}})
		f := h.publish(t)
		// the extractor worker may take the frame first; queue it directly either way
		n, err := h.sup.extractFrame(f)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("Test Face Outside Photo", func(t *testing.T) {
		h := newHarness(t, fakeExtractor{rects: []image.Rectangle{image.Rect(500, 500, 520, 520)}})
		n, err := h.sup.extractFrame(h.publish(t))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("Test Extractor Error", func(t *testing.T) {
		h := newHarness(t, fakeExtractor{err: errors.New("cascade not loaded")})
		_, err := h.sup.extractFrame(h.publish(t))
		assert.Error(t, err)
	})

	t.Run("Test No Faces Needs No Matrices", func(t *testing.T) {
		h := newHarness(t, fakeExtractor{})
		f, err := h.store.Save([]byte{0xFF, 0xD8, 0xFF, 0xD9}, "not matrices")
		require.NoError(t, err)
		n, err := h.sup.extractFrame(f)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("Test Evicted Frame", func(t *testing.T) {
		h := newHarness(t, oneFace)
		_, err := h.sup.extractFrame(iface.Frame{ID: "gone", PhotoPath: "/nope.jpg", MatricesPath: "/nope.mats"})
		assert.ErrorIs(t, err, errEvicted)
	})
}

func TestSharedFaceQueues(t *testing.T) {
	recognized, unknown := queue.New[iface.Face](), queue.New[iface.Face]()
	s, err := New(mailbox.New(Source), raycast.NewResolutionCell(200, 100), oneFace, Conn{},
		Options{FaceDir: t.TempDir(), Recognized: recognized, Unknown: unknown})
	require.NoError(t, err)
	assert.Same(t, recognized, s.Recognized())
	assert.Same(t, unknown, s.Unknown())
}

func TestNextFreeCrop(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "0.jpg"), nextFreeCrop(dir))

	for _, name := range []string{"0.jpg", "1.jpg", "3.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	assert.Equal(t, filepath.Join(dir, "2.jpg"), nextFreeCrop(dir))
}

func TestStopSendsStopWord(t *testing.T) {
	h := newHarness(t, oneFace)

	start := time.Now()
	require.NoError(t, h.sup.Stop(time.Second))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StopWord, h.heard(t))
	assert.False(t, h.sup.Healthy())
}

func TestStopWhileAwaitingReply(t *testing.T) {
	h := newHarness(t, oneFace)
	h.publish(t)
	h.say(t, PromptPath)
	crop := h.heard(t)

	require.NoError(t, h.sup.Stop(time.Second))
	assert.NoFileExists(t, crop)
}
