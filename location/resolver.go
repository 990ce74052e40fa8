package location

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/apex/log"
)

const (
	DefaultTimeout       = 8 * time.Second
	DefaultBackupTimeout = 10 * time.Second
	DefaultMaximumAge    = time.Minute
)

const (
	msgUnavailable = "Location information is unavailable. Please enter the address manually."
	msgTimeout     = "Location request timed out. Please enter the address manually."
	msgFailed      = "Could not get your location. Please enter the address manually."
)

// Result of one resolution. Location is empty when the device failed in a
// way that needs manual entry; Message is then set. Position is only set for
// a valid device fix.
type Result struct {
	State    State
	Location string
	Position *Position
	Message  string
	Mock     bool
	Err      error
}

// Resolver runs location requests against a Device, racing it against a
// backup timer. Whether the device is used at all is decided once, when the
// resolver is created.
type Resolver struct {
	device    Device
	available bool
	pool      []string
	pick      func(n int) int
	timeout   time.Duration
	backup    time.Duration

	mu    sync.Mutex
	state State
	gen   uint64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeouts sets the device timeout and the caller-side backup timeout.
func WithTimeouts(device, backup time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = device
		r.backup = backup
	}
}

// WithPool replaces the place names used for mock locations.
func WithPool(pool []string) Option {
	return func(r *Resolver) {
		if len(pool) > 0 {
			r.pool = append([]string(nil), pool...)
		}
	}
}

// WithPicker sets the function choosing an index into the pool.
func WithPicker(pick func(n int) int) Option {
	return func(r *Resolver) {
		r.pick = pick
	}
}

// NewResolver computes availability from env and returns an idle resolver.
// A nil device makes location unavailable.
func NewResolver(env Environment, device Device, opts ...Option) *Resolver {
	r := &Resolver{
		device:    device,
		available: device != nil && Available(env),
		pool:      MockPool,
		pick:      rand.Intn,
		timeout:   DefaultTimeout,
		backup:    DefaultBackupTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Available reports the availability flag computed at construction.
func (r *Resolver) Available() bool {
	return r.available
}

// State returns the current state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Resolve performs one location request. It never panics past its own
// boundary and always returns either a location or a message.
func (r *Resolver) Resolve(ctx context.Context) Result {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.state = Requesting
	r.mu.Unlock()

	if !r.available {
		res := Result{State: Resolved, Location: r.mockPlace(), Mock: true}
		r.finish(gen, res.State)
		return res
	}

	type answer struct {
		pos Position
		err error
	}
	// Buffered so a device that answers after the backup fired can still
	// hand off its value and exit; nobody reads it.
	answers := make(chan answer, 1)

	deviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		var a answer
		defer func() {
			if p := recover(); p != nil {
				log.Errorf("location device panicked: %v", p)
				a = answer{err: errors.New("location device failure")}
			}
			answers <- a
		}()
		a.pos, a.err = r.device.CurrentPosition(deviceCtx, Options{
			Timeout:      r.timeout,
			HighAccuracy: true,
			MaximumAge:   DefaultMaximumAge,
		})
	}()

	backup := time.NewTimer(r.backup)
	defer backup.Stop()

	var res Result
	select {
	case a := <-answers:
		res = r.interpret(a.pos, a.err)
	case <-backup.C:
		log.Warnf("location device did not answer within %s", r.backup)
		res = Result{State: TimedOut, Message: msgTimeout, Err: ErrTimeout}
	case <-ctx.Done():
		res = Result{State: Idle, Err: ctx.Err()}
	}

	if !r.finish(gen, res.State) {
		log.Debugf("location result superseded by a newer request")
	}
	return res
}

func (r *Resolver) interpret(pos Position, err error) Result {
	switch {
	case err == nil && Valid(pos):
		p := pos
		return Result{State: Resolved, Location: Describe(r.mockPlace(), pos), Position: &p}
	case err == nil:
		log.Warnf("location device returned invalid coordinates %v, %v", pos.Latitude, pos.Longitude)
		return Result{State: Resolved, Location: CoordinatesOnly(pos)}
	case errors.Is(err, ErrPermissionDenied):
		// Silent fallback, the user already made a choice.
		return Result{State: Denied, Location: r.mockPlace(), Mock: true, Err: err}
	case errors.Is(err, ErrPositionUnavailable):
		return Result{State: Unavailable, Message: msgUnavailable, Err: err}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Result{State: TimedOut, Message: msgTimeout, Err: err}
	default:
		log.WithError(err).Error("location device failed")
		return Result{State: Failed, Message: msgFailed, Err: err}
	}
}

// finish records the terminal state if gen is still the newest request.
func (r *Resolver) finish(gen uint64, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return false
	}
	r.state = state
	return true
}

func (r *Resolver) mockPlace() string {
	return r.pool[r.pick(len(r.pool))]
}
