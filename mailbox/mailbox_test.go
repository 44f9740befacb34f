package mailbox

import (
	"context"
	"testing"
	"time"

	iface "RayRelay/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(id string) iface.Frame {
	return iface.Frame{ID: id, PhotoPath: id + ".jpg", MatricesPath: id + ".mats"}
}

func TestPublishOverwrites(t *testing.T) {
	m := New("objects")
	m.Publish(frame("a"))
	m.Publish(frame("b"))

	got, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	_, ok := m.TryTake()
	assert.False(t, ok, "the overwritten frame must not come back")

	published, drops := m.Stats()
	assert.Equal(t, uint64(2), published)
	assert.Equal(t, uint64(1), drops)
}

func TestTakeBlocksUntilPublish(t *testing.T) {
	m := New("faces")
	m.Publish(frame("a"))
	_, err := m.Take(context.Background())
	require.NoError(t, err)

	got := make(chan iface.Frame, 1)
	go func() {
		f, err := m.Take(context.Background())
		if err == nil {
			got <- f
		}
	}()

	select {
	case f := <-got:
		t.Fatalf("second take returned %q without a publish", f.ID)
	case <-time.After(50 * time.Millisecond):
	}

	m.Publish(frame("c"))
	select {
	case f := <-got:
		assert.Equal(t, "c", f.ID)
	case <-time.After(time.Second):
		t.Fatal("take did not wake up after publish")
	}
}

func TestCloseWakesTakers(t *testing.T) {
	m := New("objects")
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.Take(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	m.Close()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("close did not wake a blocked take")
		}
	}

	m.Publish(frame("late"))
	_, ok := m.TryTake()
	assert.False(t, ok)
}

func TestTakeHonoursContext(t *testing.T) {
	m := New("objects")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
