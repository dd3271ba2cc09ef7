package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perf/internal/eventbus"
	"github.com/kubilitics/kubilitics-perf/internal/metrics"
	"github.com/kubilitics/kubilitics-perf/internal/models"
)

// Package ws streams anomaly verdicts to browser or tooling clients over
// WebSocket. The hub is a listener on the anomaly channel; a slow client loses
// messages instead of stalling the bus.

// MessageTypeAnomaly is the only message type the stream sends.
const MessageTypeAnomaly = "anomaly"

const (
	defaultQueueSize     = 256
	defaultBroadcastSize = 256
)

// Message is the JSON frame written to clients.
type Message struct {
	Type      string              `json:"type"`
	SessionID string              `json:"session_id"`
	Source    string              `json:"source"`
	Anomaly   models.AnomalyEvent `json:"anomaly"`
	Timestamp time.Time           `json:"timestamp"`
}

// Hub maintains active WebSocket connections and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound frames waiting to be fanned out
	broadcast chan []byte

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	mu        sync.RWMutex
	queueSize int
	dropped   atomic.Uint64
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize bounds the per-client outbound queue.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates a new WebSocket hub. Call Run to start fanning out.
func NewHub(ctx context.Context, opts ...Option) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	h := &Hub{
		broadcast:  make(chan []byte, defaultBroadcastSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		queueSize:  defaultQueueSize,
		logger:     zap.NewNop(),
		ctx:        hubCtx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.ctx.Err() != nil {
				close(client.send)
				h.mu.Unlock()
				continue
			}
			h.clients[client] = true
			h.mu.Unlock()
			metrics.StreamClients.Inc()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.StreamClients.Dec()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client queue full; this frame is lost for it only.
					h.drop(client.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop stops the hub and closes every client queue.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		metrics.StreamClients.Dec()
	}
}

// Attach subscribes the hub to the anomaly channel of bus.
func (h *Hub) Attach(bus *eventbus.Bus) eventbus.Subscription {
	return bus.On(eventbus.TypeAnomaly, h)
}

// HandleEvent encodes an anomaly envelope and queues it for broadcast. It
// never blocks the emitter.
func (h *Hub) HandleEvent(_ context.Context, env eventbus.Envelope) error {
	var ev models.AnomalyEvent
	switch p := env.Payload.(type) {
	case models.AnomalyEvent:
		ev = p
	case *models.AnomalyEvent:
		if p == nil {
			return nil
		}
		ev = *p
	default:
		return nil
	}

	data, err := json.Marshal(Message{
		Type:      MessageTypeAnomaly,
		SessionID: env.SessionID,
		Source:    env.Source,
		Anomaly:   ev,
		Timestamp: time.UnixMilli(env.WallTime).UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode anomaly frame: %w", err)
	}
	h.Broadcast(data)
	return nil
}

// Broadcast queues a raw frame for every client. It reports false when the
// hub is saturated or stopped and the frame was dropped.
func (h *Hub) Broadcast(data []byte) bool {
	select {
	case <-h.ctx.Done():
		return false
	default:
	}
	select {
	case h.broadcast <- data:
		return true
	default:
		h.drop("*")
		return false
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many frames were discarded since construction.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) drop(clientID string) {
	h.dropped.Add(1)
	metrics.StreamMessagesDropped.Inc()
	h.logger.Debug("stream frame dropped", zap.String("client", clientID))
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}
