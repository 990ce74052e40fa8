package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"civicportal/report-intake-service/drafts"
	"civicportal/report-intake-service/version"
	ws "civicportal/report-intake-service/websocket"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
)

const serviceName = "report-intake-service"

// Handlers contains all HTTP handlers
type Handlers struct {
	registry *drafts.Registry
	hub      *ws.Hub
	upgrader gorilla.Upgrader
	started  time.Time
}

// NewHandlers creates a new handlers instance. Event stream connections are
// accepted from allowedOrigins only; "*" allows any origin.
func NewHandlers(registry *drafts.Registry, hub *ws.Hub, allowedOrigins []string) *Handlers {
	return &Handlers{
		registry: registry,
		hub:      hub,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		started: time.Now(),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// HealthCheck returns the service health status
func (h *Handlers) HealthCheck(c *gin.Context) {
	connectedClients, messagesSent := h.hub.GetStats()

	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"service":           serviceName,
		"version":           version.Get(serviceName),
		"time":              time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":    int(time.Since(h.started).Seconds()),
		"open_drafts":       h.registry.Len(),
		"connected_clients": connectedClients,
		"messages_sent":     messagesSent,
	})
}

// ListenDraft streams the events of one draft over a WebSocket
func (h *Handlers) ListenDraft(c *gin.Context) {
	d, ok := h.draft(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to upgrade connection to WebSocket")
		return
	}

	if !ws.NewClient(h.hub, conn, d.ID).Serve() {
		log.WithField("draft_id", d.ID).Warn("Event hub stopped, WebSocket connection closed")
		return
	}
	log.WithField("draft_id", d.ID).Info("WebSocket connection established")
}

// draft looks up the draft named in the path, answering 404 itself. A
// bearer token on the request is remembered for the draft's backend calls.
func (h *Handlers) draft(c *gin.Context) (*drafts.Draft, bool) {
	d, err := h.registry.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, drafts.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "draft not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	d.UseToken(bearerToken(c))
	return d, true
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
