// Package feed pushes radar frames to dashboard subscribers over websockets.
package feed

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"driftpursuit/radarcore/internal/logging"
	"driftpursuit/radarcore/internal/radar"
)

const (
	defaultBuffer       = 16
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	// maxInboundBytes bounds what subscribers may send; the feed is push only.
	maxInboundBytes = 1024

	// ClientIDHeader carries the id assigned to a subscriber in the handshake response.
	ClientIDHeader = "X-Feed-Client"
	// MessageTypeFrame tags frame envelopes.
	MessageTypeFrame = "radar_frame"
)

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("feed hub closed")

// Authenticator resolves the subscriber identity of an upgrade request. *auth.Verifier satisfies it.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Options configure a Hub. A nil Authenticator admits anonymous subscribers.
type Options struct {
	Buffer         int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	BytesPerSecond float64
	Authenticator  Authenticator
	Logger         *logging.Logger
	Now            func() time.Time
}

// Envelope is the JSON message written for every frame.
type Envelope struct {
	Type  string      `json:"type"`
	Frame radar.Frame `json:"frame"`
}

type client struct {
	id       string
	subject  string
	conn     *websocket.Conn
	send     chan []byte
	compress bool
}

// Hub fans frames out to every connected subscriber. Slow subscribers whose queue is full are disconnected.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *logging.Logger
	metrics  *Metrics
	throttle *Throttle

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub constructs a hub ready to serve websocket upgrades.
func NewHub(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	h := &Hub{
		opts:     opts,
		logger:   logger.Named("feed"),
		metrics:  NewMetrics(),
		throttle: NewThrottle(opts.BytesPerSecond, opts.Now),
		clients:  make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and registers a subscriber. ?compress=snappy switches to binary snappy frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var subject string
	if h.opts.Authenticator != nil {
		var err error
		subject, err = h.opts.Authenticator.Authenticate(r)
		if err != nil {
			h.logger.Warn("feed subscriber rejected", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	id := uuid.NewString()
	header := http.Header{}
	header.Set(ClientIDHeader, id)
	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		h.logger.Warn("feed upgrade failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		return
	}
	c := &client{
		id:       id,
		subject:  subject,
		conn:     conn,
		send:     make(chan []byte, h.opts.Buffer),
		compress: strings.EqualFold(r.URL.Query().Get("compress"), "snappy"),
	}
	if !h.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	h.logger.Info("feed subscriber connected", logging.String("client_id", id), logging.String("subject", subject), logging.Bool("snappy", c.compress))

	go h.readLoop(c)
	go h.writeLoop(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// dropLocked removes c and closes its queue so the writer says goodbye.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.Forget(c.id)
	h.throttle.Forget(c.id)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) readLoop(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
		h.logger.Info("feed subscriber disconnected", logging.String("client_id", c.id), logging.String("subject", c.subject))
	}()
	c.conn.SetReadLimit(maxInboundBytes)
	for {
		//1.- Inbound messages are discarded; reading only surfaces disconnects and control frames.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("feed read failed", logging.String("client_id", c.id), logging.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	messageType := websocket.TextMessage
	if c.compress {
		messageType = websocket.BinaryMessage
	}
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(messageType, payload); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// Publish encodes frame once per encoding and queues it for every subscriber.
func (h *Hub) Publish(frame radar.Frame) error {
	if h == nil {
		return ErrHubClosed
	}
	payload, err := json.Marshal(Envelope{Type: MessageTypeFrame, Frame: frame})
	if err != nil {
		return err
	}
	return h.Broadcast(payload)
}

// Broadcast queues a raw JSON payload for every subscriber.
func (h *Hub) Broadcast(payload []byte) error {
	if h == nil {
		return ErrHubClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.metrics.ObservePublish()

	var compressed []byte
	for c := range h.clients {
		message := payload
		if c.compress {
			if compressed == nil {
				compressed = snappy.Encode(nil, payload)
			}
			message = compressed
		}
		//1.- A full queue means the subscriber cannot keep up; cut it loose before charging its byte budget.
		if len(c.send) == cap(c.send) {
			h.metrics.ObserveDrop(DropQueueFull)
			h.logger.Warn("feed subscriber too slow, disconnecting", logging.String("client_id", c.id))
			h.dropLocked(c)
			continue
		}
		if !h.throttle.Allow(c.id, len(message)) {
			h.metrics.ObserveDrop(DropThrottled)
			continue
		}
		//2.- Only Broadcast sends and it holds the hub lock, so the free slot is still there.
		c.send <- message
		h.metrics.ObserveSent(c.id, len(message))
	}
	return nil
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Metrics exposes the feed counters.
func (h *Hub) Metrics() *Metrics {
	if h == nil {
		return nil
	}
	return h.metrics
}

// Usage exposes per-subscriber throttle state.
func (h *Hub) Usage() map[string]Usage {
	if h == nil {
		return nil
	}
	return h.throttle.Usage()
}

// Close disconnects every subscriber and rejects further publishes.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}
