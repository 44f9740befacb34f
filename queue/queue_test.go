package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO(t *testing.T) {
	q := New[string]()
	q.Put("A")
	q.Put("B")
	q.Put("C")
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, err := q.Take(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.False(t, q.HasAny())
}

func TestTryTakeAndGet(t *testing.T) {
	q := New[int]()
	_, ok := q.TryTake()
	assert.False(t, ok)

	_, err := q.Get(false, 0)
	assert.ErrorIs(t, err, ErrEmpty)

	start := time.Now()
	_, err = q.Get(true, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	q.Put(7)
	v, err := q.Get(true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestTakeBlocksUntilPut(t *testing.T) {
	q := New[int]()
	done := make(chan int, 1)
	go func() {
		v, err := q.Take(context.Background())
		if err == nil {
			done <- v
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Put(42)
	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("take did not wake up")
	}
}

func TestDrain(t *testing.T) {
	q := New[int]()
	assert.Empty(t, q.Drain())
	for i := 0; i < 5; i++ {
		q.Put(i)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, q.Drain())
	assert.False(t, q.HasAny())
}

func TestClose(t *testing.T) {
	q := New[int]()
	q.Put(1)
	q.Close()
	q.Put(2)

	v, err := q.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = q.Take(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	q := New[[2]int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Put([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	items := q.Drain()
	require.Len(t, items, 400)
	for _, it := range items {
		assert.Greater(t, it[1], last[it[0]])
		last[it[0]] = it[1]
	}
}
