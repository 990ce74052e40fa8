package drafts

import (
	"context"
	"sync"
	"time"

	"civicportal/client"
	"civicportal/location"
	"civicportal/report"
	"civicportal/report-intake-service/metrics"

	"github.com/apex/log"
)

const bridgeWait = time.Second

// Draft is one front-end form instance held by the service.
type Draft struct {
	ID        string
	CreatedAt time.Time

	Form   *report.Form
	Bridge *location.Bridge
	Tokens *client.MemoryTokenStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	lastSeen      time.Time
	locationState location.State
	locating      bool
}

// Touch marks the draft as used at t.
func (d *Draft) Touch(t time.Time) {
	d.mu.Lock()
	d.lastSeen = t
	d.mu.Unlock()
}

// LastSeen returns the time of the last request for this draft.
func (d *Draft) LastSeen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

// LocationState is the final state of the most recent location request.
func (d *Draft) LocationState() location.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locationState
}

// UseToken stores the bearer token the front end presented. An empty token
// leaves the stored one alone.
func (d *Draft) UseToken(token string) {
	if token == "" {
		return
	}
	if err := d.Tokens.SetToken(token); err != nil {
		log.WithError(err).WithField("draft_id", d.ID).Warn("failed to store token")
	}
}

// StartLocation resolves the location in the background. It returns false
// when a request is already running. It waits briefly for the device bridge
// to start listening, so a fix posted right after the call is not lost. The
// outcome reaches the front end as a location event.
func (d *Draft) StartLocation() bool {
	d.mu.Lock()
	if d.locating {
		d.mu.Unlock()
		return false
	}
	d.locating = true
	d.locationState = location.Requesting
	d.mu.Unlock()

	// a signal left over from an earlier request
	select {
	case <-d.Bridge.Requested():
	default:
	}

	done := make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(done)

		res, err := d.Form.ResolveLocation(d.ctx)

		d.mu.Lock()
		d.locating = false
		if err == nil {
			d.locationState = res.State
		}
		d.mu.Unlock()

		if err != nil {
			log.WithError(err).WithField("draft_id", d.ID).Warn("location request skipped")
			return
		}

		metrics.LocationsTotal.WithLabelValues(res.State.String()).Inc()
		log.WithFields(log.Fields{
			"draft_id": d.ID,
			"state":    res.State.String(),
			"mock":     res.Mock,
		}).Info("location resolved")
	}()

	select {
	case <-d.Bridge.Requested():
	case <-done:
	case <-time.After(bridgeWait):
	}
	return true
}

// Close stops background work for the draft and waits for it.
func (d *Draft) Close() {
	d.cancel()
	d.wg.Wait()
	d.Form.Close()
}
