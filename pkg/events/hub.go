package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	sendBuffer = 256              // Per-client outbound channel buffer
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub broadcasts run events to connected WebSocket clients. A client that
// cannot keep up has its oldest queued events dropped; the hub never
// blocks an emitting run.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Emit implements Emitter: marshal once, enqueue to every client,
// drop-oldest when a client's buffer is full.
func (h *Hub) Emit(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("event marshal failed", "type", event.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- payload:
			default:
			}
		}
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and streams events until the client
// disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	// writePump owns all writes, readPump owns all reads.
	go c.writePump(h)
	go c.readPump(h)
}

func (h *Hub) drop(c *client) {
	c.once.Do(func() {
		close(c.done)
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.conn.Close()
	})
}

func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump exists only to process control frames and detect disconnects;
// the event stream is one-way.
func (c *client) readPump(h *Hub) {
	defer h.drop(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
