package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/relay/pkg/swapbuf"
	"github.com/obsidianstack/relay/pkg/types"
	"github.com/obsidianstack/relay/server/internal/store"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

// Event names carried in Message.Event.
const (
	EventSnapshot = "snapshot"
	EventChanges  = "changes"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins — callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients. Data holds []*store.Entry for
// snapshots and []types.Sample for changes.
type Message struct {
	Event       string      `json:"event"`
	GeneratedAt time.Time   `json:"generated_at"`
	Data        interface{} `json:"data"`
}

// Hub manages WebSocket client connections. Samples recorded between two ticks
// collapse to the latest value per series in a swap buffer; every interval the
// hub drains the buffer and broadcasts the window as one "changes" message.
type Hub struct {
	store    *store.Store
	interval time.Duration
	changes  *swapbuf.SwapBuffer[types.Sample]

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool // set by closeAll; no client registers after it
}

// client represents one connected WebSocket client.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Hub that snapshots st on connect and broadcasts every interval.
func New(st *store.Store, interval time.Duration) *Hub {
	return &Hub{
		store:    st,
		interval: interval,
		changes:  swapbuf.New(swapbuf.WithCloner[types.Sample]()),
		clients:  make(map[*client]struct{}),
	}
}

// Record queues samples for the next "changes" broadcast. It is safe to call
// from any number of goroutines.
func (h *Hub) Record(samples ...types.Sample) error {
	entries := make([]swapbuf.Entry[types.Sample], 0, len(samples))
	for _, s := range samples {
		entries = append(entries, swapbuf.NewEntry(s.Key(), s))
	}
	if err := h.changes.Save(entries...); err != nil {
		return fmt.Errorf("ws: record changes: %w", err)
	}
	return nil
}

// Run starts the broadcast ticker loop. Run blocks until ctx is cancelled,
// then closes all active connections and returns nil. It returns a wrapped
// swapbuf.ErrPoisoned if the change buffer fails.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-t.C:
			if err := h.flush(); err != nil {
				h.closeAll()
				return err
			}
		}
	}
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
// It sends the full store as a snapshot immediately on connect, then streams
// changes from the ticker loop. Changes already pending at connect time may be
// repeated in the first "changes" message. Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	// Queue the current snapshot before registering so the UI has data right
	// away and nothing can close c.send underneath the send.
	if data, err := h.encode(EventSnapshot, h.store.List()); err == nil {
		c.send <- data
	}
	if !h.register(c) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)) //nolint:errcheck
		conn.Close()
		return
	}
	defer h.unregister(c)

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

// register adds c unless the hub has already shut down.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// flush drains the change buffer and broadcasts the window, if any. The buffer
// is drained even with no clients connected so it never outgrows one interval.
func (h *Hub) flush() error {
	entries, err := h.changes.Read()
	if err != nil {
		return fmt.Errorf("ws: read changes: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	samples := make([]types.Sample, len(entries))
	for i, e := range entries {
		samples[i] = e.Value
	}

	data, err := h.encode(EventChanges, samples)
	if err != nil {
		slog.Error("ws: encode changes", "err", err)
		return nil
	}
	h.broadcast(data)
	return nil
}

func (h *Hub) broadcast(data []byte) {
	// Sends happen under the read lock so unregister cannot close a channel
	// mid-send. They never block.
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		// Client's outgoing buffer is full — disconnect it.
		slog.Warn("ws: dropping slow client", "remote", c.conn.RemoteAddr().String())
		h.unregister(c)
	}
}

func (h *Hub) encode(event string, data interface{}) ([]byte, error) {
	return json.Marshal(Message{
		Event:       event,
		GeneratedAt: time.Now().UTC(),
		Data:        data,
	})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
