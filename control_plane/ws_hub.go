package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/itskum47/FleetRoll/control_plane/observability"
	"github.com/itskum47/FleetRoll/control_plane/streaming"
)

const (
	maxWSConnections = 200
	eventBuffer      = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local dev (CORS)
		return true
	},
}

// EventHub broadcasts rollout events to websocket clients. A client may
// subscribe to a single execution; the empty filter receives everything.
type EventHub struct {
	// clients maps connection to its execution filter
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan streaming.Event
	done       chan struct{}
	mu         sync.RWMutex
}

type registration struct {
	conn        *websocket.Conn
	executionID string
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan streaming.Event, eventBuffer),
		done:       make(chan struct{}),
	}
}

// Publish never blocks the engine. Events are dropped when the buffer is full.
func (h *EventHub) Publish(ctx context.Context, ev streaming.Event) error {
	select {
	case h.events <- ev:
	default:
		log.Warn().Str("topic", ev.Topic).Str("execution_id", ev.ExecutionID).Msg("event hub buffer full, event dropped")
	}
	return nil
}

func (h *EventHub) Close() error { return nil }

// Run starts the hub's main loop.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Warn().Int("max", maxWSConnections).Msg("websocket connection rejected")
				continue
			}
			h.clients[reg.conn] = reg.executionID
			n := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(n))
			log.Debug().Str("execution_id", reg.executionID).Int("clients", n).Msg("websocket client registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(n))

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *EventHub) broadcast(ev streaming.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, filter := range h.clients {
		if filter != "" && filter != ev.ExecutionID {
			continue
		}
		// Set write deadline to prevent blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug().Err(err).Msg("websocket write failed")
			go h.Unregister(conn)
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *EventHub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	observability.StreamClients.Set(0)
}

// Register and Unregister return immediately once the hub has stopped.
func (h *EventHub) Register(conn *websocket.Conn, executionID string) {
	select {
	case h.register <- registration{conn: conn, executionID: executionID}:
	case <-h.done:
		conn.Close()
	}
}

func (h *EventHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades /stream requests and keeps the connection alive
// until the client goes away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.Register(conn, r.URL.Query().Get("execution_id"))
	defer h.Unregister(conn)

	// Configure ping/pong for dead client detection
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
	}
}
