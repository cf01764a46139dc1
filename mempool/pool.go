/*
Package mempool holds the events submitted to a scribe until the round-drive
loop takes them into its next vertex. Producers enqueue concurrently; the
runner drains the whole pool at once.
*/
package mempool

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolFull is returned by Enqueue when the pool already holds its maximum
// number of events.
var ErrPoolFull = errors.New("mempool is full")

// Pool is a FIFO of opaque event references.
type Pool struct {
	lock   sync.Mutex
	events [][]byte
	max    int // 0 means unbounded
	notify chan struct{}
}

// New creates a pool holding at most max events, or any number when max <= 0.
func New(max int) *Pool {
	if max < 0 {
		max = 0
	}
	return &Pool{max: max, notify: make(chan struct{})}
}

// Enqueue appends an event. Events that do not fit are rejected and the
// older ones kept.
func (p *Pool) Enqueue(ev []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.max > 0 && len(p.events) >= p.max {
		return ErrPoolFull
	}
	p.events = append(p.events, ev)
	close(p.notify)
	p.notify = make(chan struct{})
	return nil
}

// DequeueAll removes and returns every pending event in arrival order. It
// never blocks; the context is only checked before draining.
func (p *Pool) DequeueAll(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	out := p.events
	p.events = nil
	return out, nil
}

// Len returns the number of pending events.
func (p *Pool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.events)
}

// Changed returns a channel closed on the next Enqueue.
func (p *Pool) Changed() <-chan struct{} {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.notify
}
