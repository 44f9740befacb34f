// Package mailbox holds the latest frame for one consumer.
//
// Publish overwrites any frame the consumer has not taken yet, so a slow
// consumer always works on the most recent photo and older ones are dropped.
package mailbox

import (
	"context"
	"errors"
	"sync"

	iface "RayRelay/interface"
)

var ErrClosed = errors.New("mailbox closed")

type Mailbox struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	frame  *iface.Frame
	closed bool

	published uint64
	drops     uint64
}

func New(name string) *Mailbox {
	m := &Mailbox{name: name}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Mailbox) Name() string {
	return m.name
}

// Publish stores f, replacing an unconsumed frame. It never blocks.
func (m *Mailbox) Publish(f iface.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.frame != nil {
		m.drops++
	}
	m.published++
	m.frame = &f
	m.cond.Signal()
}

// Take blocks until a frame is present, then empties the slot and returns it.
// It returns ErrClosed after Close and ctx.Err() when ctx ends first.
func (m *Mailbox) Take(ctx context.Context) (iface.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.frame == nil && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}
	if m.closed {
		return iface.Frame{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return iface.Frame{}, err
	}
	f := *m.frame
	m.frame = nil
	return f, nil
}

// TryTake is the non-blocking variant of Take.
func (m *Mailbox) TryTake() (iface.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame == nil || m.closed {
		return iface.Frame{}, false
	}
	f := *m.frame
	m.frame = nil
	return f, true
}

// Close wakes every blocked Take. Later publishes are ignored.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Stats returns how many frames were published and how many were overwritten unconsumed.
func (m *Mailbox) Stats() (published, drops uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, m.drops
}
