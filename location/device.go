package location

import (
	"context"
	"sync"
	"time"
)

// StaticDevice always answers with the same fix or error.
type StaticDevice struct {
	Position Position
	Err      error
}

func (d StaticDevice) CurrentPosition(ctx context.Context, opts Options) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	return d.Position, d.Err
}

type fix struct {
	pos Position
	err error
}

// Bridge is a device whose answers arrive out of band, typically posted by
// a browser front end that ran the geolocation call itself. At most one
// request waits at a time; a newer request replaces an older one.
type Bridge struct {
	mu        sync.Mutex
	waiting   chan fix
	requested chan struct{}
}

// NewBridge returns an idle bridge.
func NewBridge() *Bridge {
	return &Bridge{requested: make(chan struct{}, 1)}
}

// Requested signals, without blocking the device, that a request has
// started waiting for an answer.
func (b *Bridge) Requested() <-chan struct{} {
	return b.requested
}

func (b *Bridge) CurrentPosition(ctx context.Context, opts Options) (Position, error) {
	ch := make(chan fix, 1)

	b.mu.Lock()
	b.waiting = ch
	b.mu.Unlock()

	select {
	case b.requested <- struct{}{}:
	default:
	}

	defer func() {
		b.mu.Lock()
		if b.waiting == ch {
			b.waiting = nil
		}
		b.mu.Unlock()
	}()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case f := <-ch:
		return f.pos, f.err
	case <-timeout:
		return Position{}, ErrTimeout
	case <-ctx.Done():
		return Position{}, ctx.Err()
	}
}

// Pending reports whether a request is waiting for an answer.
func (b *Bridge) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting != nil
}

// Deliver hands a fix (or a device error) to the waiting request. It
// returns false when nothing is waiting, e.g. the request already timed out.
func (b *Bridge) Deliver(pos Position, err error) bool {
	b.mu.Lock()
	ch := b.waiting
	b.waiting = nil
	b.mu.Unlock()

	if ch == nil {
		return false
	}
	ch <- fix{pos: pos, err: err}
	return true
}
