// Package events fans fixture document changes out to websocket consumers.
// The hub caps concurrent connections, bounds each consumer's send queue and
// drops consumers that cannot keep up instead of blocking the store's
// notification path.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	pkglog "github.com/fixturelab/stub_server/pkg/log"
	"github.com/fixturelab/stub_server/pkg/stub/fixture"
	"github.com/fixturelab/stub_server/pkg/stub/problem"
)

const (
	defaultMaxConcurrent = 32
	defaultSendBuffer    = 8
	defaultIdleTimeout   = 60 * time.Second

	writeWait    = 10 * time.Second
	maxFrameSize = 512
)

// Options configure a Hub.
type Options struct {
	MaxConcurrent int
	SendBuffer    int
	IdleTimeout   time.Duration
	Logger        pkglog.Logger
}

// Hub upgrades control-API requests to websockets and broadcasts one message
// per committed store cycle. Publish never blocks on a consumer.
type Hub struct {
	maxConcurrent int
	sendBuffer    int
	idleTimeout   time.Duration
	logger        pkglog.Logger
	upgrader      websocket.Upgrader

	mu      sync.Mutex
	conns   map[*client]struct{}
	closed  bool
	dropped uint64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns a Hub ready to accept connections.
func NewHub(opts Options) *Hub {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = pkglog.Shared()
	}

	return &Hub{
		maxConcurrent: opts.MaxConcurrent,
		sendBuffer:    opts.SendBuffer,
		idleTimeout:   opts.IdleTimeout,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxFrameSize,
			WriteBufferSize: maxFrameSize,
			// Access control happens before the hub; origin checks would
			// only lock out browser dashboards.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and streams change notifications until the
// client disconnects, idles out or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := &client{send: make(chan []byte, h.sendBuffer)}
	if !h.add(c) {
		detail := fmt.Sprintf("event feed serves at most %d concurrent consumers", h.maxConcurrent)
		problem.Write(w, http.StatusServiceUnavailable, "Event Feed Saturated", detail,
			r.Header.Get("X-Trace-Id"), r.URL.Path)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its error response.
		h.remove(c)
		return
	}
	c.conn = conn

	go c.writeLoop(h.pingPeriod())
	c.readLoop(h)
}

// Publish broadcasts one change notification. Consumers whose queues are full
// are disconnected.
func (h *Hub) Publish(change fixture.Change) {
	payload, err := json.Marshal(change)
	if err != nil {
		h.logger.Errorw("event notification encode failed", "error", err)
		return
	}

	h.mu.Lock()
	var slow []*client
	for c := range h.conns {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.conns, c)
		close(c.send)
		h.dropped++
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warnw("event consumer dropped, send queue full",
			"queueDepth", h.sendBuffer, "remote", c.remote())
	}
}

// ConnCount reports the number of connected consumers.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Dropped reports how many consumers were disconnected for falling behind.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects every consumer and rejects future connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
		delete(h.conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		close(c.send)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.conns) >= h.maxConcurrent {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

// remove detaches the client; the hub closes each send channel exactly once,
// guarded by map membership.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	close(c.send)
}

func (h *Hub) pingPeriod() time.Duration {
	return h.idleTimeout * 9 / 10
}

func (c *client) writeLoop(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event feed closed"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; the feed is one-way. It owns the idle
// deadline: pongs extend it, silence past the timeout ends the connection.
func (c *client) readLoop(h *Hub) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) remote() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}
