package presentation

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/keshucs12345/voice-receptionist/internal/signals"
	"go.opentelemetry.io/otel/metric"
)

const (
	eventBuffer  = 256
	clientBuffer = 64
)

// Hub fans events out to connected pages. Delivery is best effort: when a
// buffer is full the event is dropped.
type Hub struct {
	start *signals.Flag

	events chan Event

	mu      sync.Mutex
	clients map[*client]struct{}

	dropped metric.Int64Counter
}

type client struct {
	send chan []byte
}

// NewHub returns a hub; start is set by the first page that asks to start the
// conversation and may be nil.
func NewHub(start *signals.Flag) *Hub {
	h := &Hub{
		start:   start,
		events:  make(chan Event, eventBuffer),
		clients: map[*client]struct{}{},
	}
	h.dropped, _ = meter.Int64Counter("presentation.dropped", metric.WithDescription("Presentation events dropped"))
	return h
}

func (h *Hub) Emit(e Event) {
	select {
	case h.events <- e:
	default:
		h.dropped.Add(context.Background(), 1)
		logger.Debug("presentation event dropped", "type", e.Type)
	}
}

// Run broadcasts queued events until ctx is done. Events already queued at
// that point still go out before the clients are closed.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-h.events:
					h.broadcast(e)
				default:
					h.closeClients()
					return
				}
			}
		case e := <-h.events:
			h.broadcast(e)
		}
	}
}

func (h *Hub) broadcast(e Event) {
	raw, err := json.Marshal(e)
	if err != nil {
		logger.Warn("presentation event not encodable", "type", e.Type, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			h.dropped.Add(context.Background(), 1)
		}
	}
}

func (h *Hub) register() *client {
	c := &client{send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	logger.Info("presentation client connected", "clients", n)
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	logger.Info("presentation client disconnected", "clients", n)
}

func (h *Hub) closeClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients reports the number of connected pages.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

type inbound struct {
	Action string `json:"action"`
}

// handleInbound reacts to a page message. Only {"action":"start"} means
// anything, and only the first one.
func (h *Hub) handleInbound(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Action != "start" || h.start == nil {
		return
	}
	if h.start.Set() {
		logger.Info("conversation start triggered from browser")
		h.Emit(ConversationStarted())
	}
}
