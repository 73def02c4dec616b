package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"GridClear/internal/observability"
)

// EventMessage is a JSON message pushed to WebSocket subscribers whenever
// the core applies an event. Payloads stay server-side; subscribers follow
// up over the query API using the sequence.
type EventMessage struct {
	Type      string `json:"type"`
	Sequence  int64  `json:"sequence"`
	EventType string `json:"event_type"`
	EpochTS   *int64 `json:"epoch_ts,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EventHub manages WebSocket connections and broadcasts applied-event
// notifications to all connected clients.
type EventHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	logger     zerolog.Logger
	metrics    *observability.Metrics
}

// NewEventHub creates a new WebSocket hub. metrics may be nil.
func NewEventHub(logger zerolog.Logger, metrics *observability.Metrics) *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
		metrics:    metrics,
	}
}

func (h *EventHub) setClientGauge(n int) {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}

// Run starts the hub's main loop. Must be called in a goroutine; returns
// when ctx is cancelled, closing every client connection.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			h.setClientGauge(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.setClientGauge(total)
			h.logger.Debug().Int("total", total).Msg("ws client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.setClientGauge(total)

		case msg := <-h.broadcast:
			// Map writes need the write lock, so dead connections collect
			// during the read pass and evict after it.
			var dead []*websocket.Conn
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			if len(dead) > 0 {
				h.mu.Lock()
				for _, conn := range dead {
					if _, ok := h.clients[conn]; ok {
						delete(h.clients, conn)
						conn.Close()
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.setClientGauge(total)
			}
		}
	}
}

// Broadcast sends a message to all connected clients. Drops when the buffer
// is full so the caller never blocks on slow subscribers.
func (h *EventHub) Broadcast(msg EventMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /v1/ws.
func (h *EventHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
