// Package stream fans execution lifecycle events out to websocket
// clients, each scoped to its own organization.
package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/store"
)

const (
	maxConnections = 200
	writeDeadline  = 5 * time.Second
)

// Event is one message on the execution stream.
type Event struct {
	Type      string           `json:"type"` // execution.claimed, execution.finished
	Execution *store.Execution `json:"execution"`
}

type orgEvent struct {
	orgID string
	event Event
}

type registration struct {
	conn  *websocket.Conn
	orgID string
}

// Hub manages stream connections and broadcasts events. A single Run
// goroutine owns every write, so connections never see interleaved
// frames.
type Hub struct {
	clients    map[*websocket.Conn]string // conn -> org id
	register   chan registration
	unregister chan *websocket.Conn
	events     chan orgEvent
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan orgEvent, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("[stream] connection rejected: max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[reg.conn] = reg.orgID
			total := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(total))
			log.Printf("[stream] client registered for org %s, total %d", reg.orgID, total)

		case conn := <-h.unregister:
			h.drop(conn)

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Publish enqueues an event for orgID's clients. It never blocks: when
// the hub is saturated the event is dropped. The stream is a convenience
// view; the store is the record.
func (h *Hub) Publish(orgID string, ev Event) {
	if h == nil {
		return
	}
	select {
	case h.events <- orgEvent{orgID: orgID, event: ev}:
	default:
	}
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn, orgID string) {
	h.register <- registration{conn: conn, orgID: orgID}
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ev orgEvent) {
	h.mu.RLock()
	var conns []*websocket.Conn
	for conn, org := range h.clients {
		if org == ev.orgID {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(ev.event); err != nil {
			log.Printf("[stream] write error: %v", err)
			h.drop(conn)
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	observability.StreamClients.Set(float64(total))
}

// shutdown gracefully closes all client connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("[stream] shutting down with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	observability.StreamClients.Set(0)
}
