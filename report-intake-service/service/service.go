package service

import (
	"net/http"
	"sync"
	"time"

	"civicportal/location"
	"civicportal/report-intake-service/config"
	"civicportal/report-intake-service/drafts"
	"civicportal/report-intake-service/handlers"
	"civicportal/report-intake-service/metrics"
	"civicportal/report-intake-service/middleware"
	"civicportal/report-intake-service/rabbitmq"
	"civicportal/report-intake-service/websocket"

	"github.com/apex/log"
)

// Service owns the drafts, the event hub and the background sweeper
type Service struct {
	config    *config.Config
	hub       *websocket.Hub
	registry  *drafts.Registry
	limiter   *middleware.RateLimiter
	publisher *rabbitmq.Publisher
	handlers  *handlers.Handlers

	// Control channels
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a new report intake service. Without AMQP_URL no
// submission events are published.
func NewService(cfg *config.Config) (*Service, error) {
	hub := websocket.NewHub()

	var (
		publisher *rabbitmq.Publisher
		events    drafts.EventPublisher
	)
	if cfg.AMQPURL != "" {
		p, err := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.EventsExchange, cfg.EventsRoutingKey)
		if err != nil {
			return nil, err
		}
		publisher, events = p, p
	} else {
		log.Warn("AMQP_URL not set, submission events will not be published")
	}

	registry := drafts.NewRegistry(drafts.Options{
		BackendURL:            cfg.BackendURL,
		HTTPClient:            &http.Client{Timeout: cfg.BackendTimeout},
		TTL:                   cfg.DraftTTL,
		LocationTimeout:       cfg.LocationTimeout,
		LocationBackupTimeout: cfg.LocationBackupTimeout,
		DefaultPosition: location.Position{
			Latitude:  cfg.DefaultLatitude,
			Longitude: cfg.DefaultLongitude,
		},
		Events:    hub,
		Publisher: events,
	})

	return &Service{
		config:    cfg,
		hub:       hub,
		registry:  registry,
		limiter:   middleware.NewRateLimiter(cfg.RateLimitPerMinute),
		publisher: publisher,
		handlers:  handlers.NewHandlers(registry, hub, cfg.AllowedOrigins),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start starts the hub and the sweeper
func (s *Service) Start() error {
	log.Info("Starting report intake service...")

	metrics.Register()

	go s.hub.Run()

	s.wg.Add(1)
	go s.sweepLoop()

	log.Info("Report intake service started successfully")
	return nil
}

// Stop discards every draft and stops background work
func (s *Service) Stop() error {
	log.Info("Stopping report intake service...")

	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	s.registry.CloseAll()
	s.hub.Stop()

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			log.WithError(err).Warn("Error closing publisher")
		}
	}

	log.Info("Report intake service stopped")
	return nil
}

// GetHandlers returns the HTTP handlers
func (s *Service) GetHandlers() *handlers.Handlers {
	return s.handlers
}

// RateLimiter returns the limiter shared by the API routes
func (s *Service) RateLimiter() *middleware.RateLimiter {
	return s.limiter
}

// Registry returns the open drafts
func (s *Service) Registry() *drafts.Registry {
	return s.registry
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	interval := s.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.registry.Sweep(); n > 0 {
				log.Infof("Expired %d idle drafts", n)
			}
			s.limiter.Cleanup(10 * time.Minute)
		case <-s.stopChan:
			return
		}
	}
}
