package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// DraftsOpen is the number of drafts currently held in memory.
	DraftsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "civicportal",
		Subsystem: "intake",
		Name:      "drafts_open",
		Help:      "Number of report drafts currently held by the service.",
	})

	// DraftsExpiredTotal counts drafts dropped after sitting idle past the TTL.
	DraftsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "civicportal",
		Subsystem: "intake",
		Name:      "drafts_expired_total",
		Help:      "Total number of drafts removed for inactivity.",
	})

	// ImagesTotal counts image uploads by result (accepted, rejected).
	ImagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civicportal",
		Subsystem: "intake",
		Name:      "images_total",
		Help:      "Total number of image uploads, labeled by result.",
	}, []string{"result"})

	// SuggestionsTotal counts category suggestion calls by outcome.
	SuggestionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civicportal",
		Subsystem: "intake",
		Name:      "suggestions_total",
		Help:      "Total number of image analysis calls, labeled by outcome.",
	}, []string{"outcome"})

	// LocationsTotal counts location resolutions by final state.
	LocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civicportal",
		Subsystem: "intake",
		Name:      "locations_total",
		Help:      "Total number of location resolutions, labeled by final state.",
	}, []string{"state"})

	// SubmissionsTotal counts backend submissions by result.
	SubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civicportal",
		Subsystem: "intake",
		Name:      "submissions_total",
		Help:      "Total number of report submissions sent to the backend, labeled by result.",
	}, []string{"result"})

	SubmissionDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "civicportal",
		Subsystem: "intake",
		Name:      "submission_duration_seconds",
		Help:      "Time spent waiting for the backend to accept a submission.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	// EventsPublishErrorTotal counts submitted events that could not be published.
	EventsPublishErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "civicportal",
		Subsystem: "intake",
		Name:      "events_publish_error_total",
		Help:      "Total number of report.submitted events that failed to publish.",
	})

	WebsocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "civicportal",
		Subsystem: "intake",
		Name:      "websocket_clients",
		Help:      "Number of connected draft event streams.",
	})
)

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			DraftsOpen,
			DraftsExpiredTotal,
			ImagesTotal,
			SuggestionsTotal,
			LocationsTotal,
			SubmissionsTotal,
			SubmissionDurationSeconds,
			EventsPublishErrorTotal,
			WebsocketClients,
		)
	})
}
