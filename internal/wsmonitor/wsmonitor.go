// Package wsmonitor pushes ScalarPublisher snapshots to subscribed
// websocket clients for live dashboards, complementing the pull-based
// gRPC get_monitor_data call (spec.md §6).
package wsmonitor

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ska-telescope/pst-stat-go/internal/publish/scalar"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 64,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP connections to websockets and pushes
// the ScalarPublisher snapshot to every connected client at a fixed
// interval.
type Handler struct {
	scalarPub *scalar.Publisher
	interval  time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New constructs a Handler that polls scalarPub every interval.
func New(scalarPub *scalar.Publisher, interval time.Duration) *Handler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Handler{
		scalarPub: scalarPub,
		interval:  interval,
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

// message is the wire envelope pushed to every connected client.
type message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Snapshot  scalar.Snapshot `json:"snapshot"`
}

// ServeHTTP upgrades the connection and registers it for pushes until
// the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsmonitor: upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain and discard client messages; this is a push-only feed, but
	// we must read to observe close frames and keep the connection
	// alive per gorilla/websocket's documented usage.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Run pushes snapshots to every connected client at h.interval until done
// is closed. Intended to run as a background goroutine for the lifetime of
// the process.
func (h *Handler) Run(done <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Handler) broadcast() {
	if !h.scalarPub.HasData() {
		return
	}
	msg := message{Type: "scalar_stats", Timestamp: time.Now(), Snapshot: h.scalarPub.Get()}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("wsmonitor: marshal snapshot: %v", err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("wsmonitor: write to client failed, dropping: %v", err)
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			c.Close()
		}
	}
}
