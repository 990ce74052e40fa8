// Package drafts keeps the in-memory report drafts of the intake service
// and wires each one to the backend, the event stream and the metrics.
package drafts

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"civicportal/client"
	"civicportal/intake"
	"civicportal/location"
	"civicportal/report"
	"civicportal/report-intake-service/metrics"
	"civicportal/suggest"

	"github.com/apex/log"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("draft not found")

// EventSink receives draft events for the front end.
type EventSink interface {
	Publish(topic string, v interface{})
	CloseTopic(topic string)
}

// EventPublisher forwards submission events to other services.
type EventPublisher interface {
	Publish(ctx context.Context, message interface{}) error
}

// Message is what an event stream client receives.
type Message struct {
	DraftID   string       `json:"draft_id"`
	Event     report.Event `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
}

// Submitted is published after the backend accepted a report.
type Submitted struct {
	DraftID     string          `json:"draft_id"`
	ProblemID   string          `json:"problem_id"`
	Categories  []string        `json:"categories"`
	Priority    report.Priority `json:"priority"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Options configures a Registry.
type Options struct {
	BackendURL            string
	HTTPClient            *http.Client
	TTL                   time.Duration
	LocationTimeout       time.Duration
	LocationBackupTimeout time.Duration
	DefaultPosition       location.Position

	// Events and Publisher may be nil.
	Events    EventSink
	Publisher EventPublisher
}

// Registry holds the open drafts by id.
type Registry struct {
	opts Options
	now  func() time.Time

	mu     sync.RWMutex
	drafts map[string]*Draft
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.LocationTimeout <= 0 {
		opts.LocationTimeout = location.DefaultTimeout
	}
	if opts.LocationBackupTimeout <= 0 {
		opts.LocationBackupTimeout = location.DefaultBackupTimeout
	}
	return &Registry{
		opts:   opts,
		now:    time.Now,
		drafts: make(map[string]*Draft),
	}
}

// Create opens a draft for a front end. env is evaluated once to decide
// whether the device location is used for the lifetime of the draft.
func (r *Registry) Create(layout report.Layout, env location.Environment) *Draft {
	now := r.now()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Draft{
		ID:        uuid.NewString(),
		CreatedAt: now,
		Bridge:    location.NewBridge(),
		Tokens:    client.NewMemoryTokenStore(""),
		ctx:       ctx,
		cancel:    cancel,
		lastSeen:  now,
	}

	backend := client.New(r.opts.BackendURL, d.Tokens, client.WithHTTPClient(r.opts.HTTPClient))
	resolver := location.NewResolver(env, d.Bridge,
		location.WithTimeouts(r.opts.LocationTimeout, r.opts.LocationBackupTimeout))

	d.Form = report.NewForm(report.Config{
		Layout:   layout,
		Analyzer: observeAnalyzer(backend),
		Resolver: resolver,
		Submit:   observeSubmit(backend.Submitter(r.opts.DefaultPosition, r.submitted(d.ID))),
		Notify:   r.notifier(d.ID),
	})

	r.mu.Lock()
	r.drafts[d.ID] = d
	open := len(r.drafts)
	r.mu.Unlock()

	metrics.DraftsOpen.Set(float64(open))
	log.WithFields(log.Fields{
		"draft_id":           d.ID,
		"layout":             layout,
		"location_available": resolver.Available(),
	}).Info("draft created")
	return d
}

// Get returns the draft and marks it as used.
func (r *Registry) Get(id string) (*Draft, error) {
	r.mu.RLock()
	d, ok := r.drafts[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	d.Touch(r.now())
	return d, nil
}

// Delete discards a draft and disconnects its watchers.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	d, ok := r.drafts[id]
	delete(r.drafts, id)
	open := len(r.drafts)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	metrics.DraftsOpen.Set(float64(open))
	r.discard(d)
	return nil
}

// Sweep drops drafts idle for longer than the TTL and returns how many
// went. A zero TTL keeps drafts forever.
func (r *Registry) Sweep() int {
	if r.opts.TTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.opts.TTL)

	var expired []*Draft
	r.mu.Lock()
	for id, d := range r.drafts {
		if d.LastSeen().Before(cutoff) {
			expired = append(expired, d)
			delete(r.drafts, id)
		}
	}
	open := len(r.drafts)
	r.mu.Unlock()

	metrics.DraftsOpen.Set(float64(open))
	for _, d := range expired {
		metrics.DraftsExpiredTotal.Inc()
		log.WithField("draft_id", d.ID).Info("draft expired")
		r.discard(d)
	}
	return len(expired)
}

// Len returns the number of open drafts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drafts)
}

// CloseAll discards every draft.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.drafts
	r.drafts = make(map[string]*Draft)
	r.mu.Unlock()

	metrics.DraftsOpen.Set(0)
	for _, d := range all {
		r.discard(d)
	}
}

func (r *Registry) discard(d *Draft) {
	d.Close()
	if r.opts.Events != nil {
		r.opts.Events.CloseTopic(d.ID)
	}
}

func (r *Registry) notifier(id string) report.Notifier {
	return func(ev report.Event) {
		if r.opts.Events == nil {
			return
		}
		r.opts.Events.Publish(id, Message{DraftID: id, Event: ev, Timestamp: r.now().UTC()})
	}
}

func (r *Registry) submitted(id string) func(report.Payload, *client.Problem) {
	return func(p report.Payload, problem *client.Problem) {
		if r.opts.Publisher == nil {
			return
		}
		event := Submitted{
			DraftID:     id,
			ProblemID:   problem.ID,
			Categories:  p.Categories,
			Priority:    p.Priority,
			SubmittedAt: r.now().UTC(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.opts.Publisher.Publish(ctx, event); err != nil {
			metrics.EventsPublishErrorTotal.Inc()
			log.WithError(err).WithField("draft_id", id).Error("failed to publish submitted event")
		}
	}
}

func observeAnalyzer(a suggest.Analyzer) suggest.Analyzer {
	return suggest.AnalyzerFunc(func(ctx context.Context, img *intake.Attachment) ([]string, error) {
		categories, err := a.AnalyzeImage(ctx, img)
		metrics.SuggestionsTotal.WithLabelValues(suggest.Classify(categories, err).String()).Inc()
		return categories, err
	})
}

func observeSubmit(submit report.SubmitFunc) report.SubmitFunc {
	return func(ctx context.Context, p report.Payload) error {
		start := time.Now()
		err := submit(ctx, p)
		metrics.SubmissionDurationSeconds.Observe(time.Since(start).Seconds())

		result := "success"
		switch {
		case errors.Is(err, client.ErrUnauthorized):
			result = "unauthorized"
		case err != nil:
			result = "error"
		}
		metrics.SubmissionsTotal.WithLabelValues(result).Inc()
		return err
	}
}
