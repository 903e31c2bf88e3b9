package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/control-plane/internal/controlplane"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	// sendBuffer is how many events a client may fall behind before it is
	// disconnected.
	sendBuffer = 64
)

// wsClient is one subscriber. Only its write pump writes to conn.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub fans control-plane events (account transitions, kill switch
// changes, queue clears) out to every connected dashboard.
type WSHub struct {
	events     chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	count      chan chan int
	done       chan struct{}
}

// NewWSHub creates a hub. Nothing is delivered until Run is started.
func NewWSHub() *WSHub {
	return &WSHub{
		events:     make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Run owns the subscriber set until ctx is done, then disconnects everyone.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	clients := make(map[*wsClient]struct{})
	drop := func(c *wsClient) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
		}
	}

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				drop(c)
			}
			return

		case c := <-h.register:
			clients[c] = struct{}{}
			slog.Info("ws client connected", "total", len(clients))

		case c := <-h.unregister:
			drop(c)

		case reply := <-h.count:
			reply <- len(clients)

		case msg := <-h.events:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					slog.Warn("ws client too slow, disconnecting")
					drop(c)
				}
			}
		}
	}
}

// Notify implements controlplane.Notifier. Events are dropped rather than
// block the caller when the hub is saturated or stopped.
func (h *WSHub) Notify(ev controlplane.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("ws marshal event", "type", ev.Type, "err", err)
		return
	}
	select {
	case h.events <- data:
	default:
	}
}

// Clients returns the number of connected subscribers, or zero once the hub
// has stopped.
func (h *WSHub) Clients() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Dashboards are served from other origins.
	},
}

// HandleWS upgrades GET /api/v1/ws and subscribes the connection.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client frames; it exists to process pongs and notice
// disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers queued events and keepalive pings until the hub
// closes c.send or a write fails.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
