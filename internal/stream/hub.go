// Package stream pushes engine events to WebSocket clients.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papertrade/risk-engine/internal/events"
	"github.com/papertrade/risk-engine/internal/metrics"
)

// Message is a JSON frame sent to clients.
type Message struct {
	Type events.Kind  `json:"type"`
	Data events.Event `json:"data"`
}

type frame struct {
	userID string // empty for broadcast to everyone
	data   []byte
}

// Hub fans bus events out to WebSocket clients. A client connected with
// ?user_id=X only receives X's order, position and wallet events; price
// ticks go to everyone.
type Hub struct {
	clients    map[*websocket.Conn]string
	register   chan client
	unregister chan *websocket.Conn
	sub        *events.Subscription
	done       chan struct{}
	mu         sync.RWMutex
}

type client struct {
	conn   *websocket.Conn
	userID string
}

// NewHub subscribes to bus. The subscription is lossy; a slow hub never
// holds up execution or the MTM engine.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan client),
		unregister: make(chan *websocket.Conn),
		sub:        bus.Subscribe(1024, false),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.userID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "user", c.userID, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case ev, ok := <-h.sub.Events():
			if !ok {
				return
			}
			f, err := encode(ev)
			if err != nil {
				slog.Error("ws encode failed", "kind", ev.Kind(), "err", err)
				continue
			}
			h.send(f)
		}
	}
}

func (h *Hub) send(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, userID := range h.clients {
		if f.userID != "" && userID != "" && userID != f.userID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) closeAll() {
	close(h.done)
	h.sub.Close()
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	metrics.WebSocketClients.Set(0)
}

func encode(ev events.Event) (frame, error) {
	data, err := json.Marshal(Message{Type: ev.Kind(), Data: ev})
	if err != nil {
		return frame{}, err
	}
	f := frame{data: data}
	switch e := ev.(type) {
	case events.OrderExecuted:
		f.userID = e.UserID
	case events.PositionChanged:
		f.userID = e.UserID
	case events.WalletUpdated:
		f.userID = e.Wallet.UserID
	case events.BalanceChanged:
		f.userID = e.UserID
	}
	return f, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- client{conn: conn, userID: r.URL.Query().Get("user_id")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
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

	// Pings go through WriteControl, which may run alongside WriteMessage.
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
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}

// Clients reports the connected client count.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
