// Package live fans dashboard events out to connected browsers over websockets.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// viewer is a connection waiting to be registered, with the message it
// should receive first.
type viewer struct {
	conn    *websocket.Conn
	initial func() any
}

// Hub owns every registered connection; only Run writes to them.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan viewer
	unregister chan *websocket.Conn
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan viewer),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// Run serves register, unregister and broadcast requests until ctx ends,
// then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				_ = client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return

		case v := <-h.register:
			h.mutex.Lock()
			h.clients[v.conn] = true
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("live: viewer connected", "total", total)
			h.greet(v)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				_ = client.Close()
			}
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("live: viewer disconnected", "total", total)

		case message := <-h.broadcast:
			h.send(websocket.TextMessage, message)

		case <-ping.C:
			h.send(websocket.PingMessage, nil)
		}
	}
}

// greet writes the viewer's first message. It runs on the Run goroutine after
// registration, so anything published from now on is queued behind it.
func (h *Hub) greet(v viewer) {
	if v.initial == nil {
		return
	}
	msg := v.initial()

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[v.conn]; !ok {
		return
	}
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := v.conn.WriteJSON(msg); err != nil {
		h.logger.Warn("live: initial snapshot", "error", err)
		delete(h.clients, v.conn)
		_ = v.conn.Close()
	}
}

func (h *Hub) send(messageType int, message []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		_ = client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(messageType, message); err != nil {
			h.logger.Warn("live: dropping viewer", "error", err)
			delete(h.clients, client)
			_ = client.Close()
		}
	}
}

// Publish encodes v as JSON and queues it for every viewer. It never blocks;
// when the queue is full the message is dropped.
func (h *Hub) Publish(v any) {
	blob, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("live: encode message", "error", err)
		return
	}
	select {
	case h.broadcast <- blob:
	default:
		h.logger.Warn("live: broadcast queue full, message dropped")
	}
}

func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Handler upgrades viewers. initial, when set, is evaluated and written once
// the viewer is registered, before any later broadcast.
func (h *Hub) Handler(initial func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("live: upgrade failed", "error", err)
			return
		}

		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		select {
		case h.register <- viewer{conn: conn, initial: initial}:
		case <-h.done:
			_ = conn.Close()
			return
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		select {
		case h.unregister <- conn:
		case <-h.done:
			_ = conn.Close()
		}
	}
}
