package websocket

import (
	"encoding/json"
	"sync"

	"civicportal/report-intake-service/metrics"

	"github.com/apex/log"
)

type envelope struct {
	topic string
	data  []byte
}

// Hub fans draft events out to the connections watching each draft. A topic
// is a draft id.
type Hub struct {
	// Registered clients, by topic
	topics map[string]map[*Client]bool

	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	closeTopic chan string
	done       chan struct{}
	stopOnce   sync.Once

	// Mutex for thread-safe statistics
	mutex sync.RWMutex

	connectedClients int
	messagesSent     int
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		topics:     make(map[string]map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		closeTopic: make(chan string),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			if h.topics[client.topic] == nil {
				h.topics[client.topic] = make(map[*Client]bool)
			}
			h.topics[client.topic][client] = true
			h.connectedClients++
			total := h.connectedClients
			metrics.WebsocketClients.Set(float64(total))
			h.mutex.Unlock()
			log.WithField("draft_id", client.topic).Infof("Client connected. Total clients: %d", total)

		case client := <-h.unregister:
			h.mutex.Lock()
			h.removeLocked(client)
			total := h.connectedClients
			h.mutex.Unlock()
			log.WithField("draft_id", client.topic).Infof("Client disconnected. Total clients: %d", total)

		case topic := <-h.closeTopic:
			h.mutex.Lock()
			for client := range h.topics[topic] {
				h.removeLocked(client)
			}
			h.mutex.Unlock()

		case msg := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.topics[msg.topic] {
				select {
				case client.send <- msg.data:
					h.messagesSent++
				default:
					// Slow consumer
					h.removeLocked(client)
				}
			}
			h.mutex.Unlock()

		case <-h.done:
			h.mutex.Lock()
			for _, clients := range h.topics {
				for client := range clients {
					h.removeLocked(client)
				}
			}
			h.mutex.Unlock()
			return
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.topics[client.topic]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.topics, client.topic)
	}
	close(client.send)
	h.connectedClients--
	metrics.WebsocketClients.Set(float64(h.connectedClients))
}

// Stop ends Run and disconnects every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register adds a client to its topic. It returns false once the hub has
// stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client and closes its send channel
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// CloseTopic disconnects everyone watching topic
func (h *Hub) CloseTopic(topic string) {
	select {
	case h.closeTopic <- topic:
	case <-h.done:
	}
}

// Publish marshals v and queues it for the clients of topic. Messages are
// dropped when nobody listens or the hub has stopped.
func (h *Hub) Publish(topic string, v interface{}) {
	if h.Watchers(topic) == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("Failed to marshal broadcast message")
		return
	}
	select {
	case h.broadcast <- envelope{topic: topic, data: data}:
	case <-h.done:
	}
}

// Watchers returns the number of clients on topic
func (h *Hub) Watchers(topic string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.topics[topic])
}

// GetStats returns the connected client count and the number of messages
// handed to clients so far
func (h *Hub) GetStats() (int, int) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.connectedClients, h.messagesSent
}
