// Package feed pushes alert changes and in-app notifications to live
// subscribers over websockets and NATS.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vigil/internal/alerts"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/notify"
)

// Message types pushed to subscribers.
const (
	TypeChange       = "change"
	TypeNotification = "notification"
)

// KindReplay marks changes sent while catching a subscriber up from its cursor.
const KindReplay = "replay"

// Message is one websocket frame.
type Message struct {
	Type         string          `json:"type"`
	Kind         string          `json:"kind"`
	Cursor       string          `json:"cursor,omitempty"`
	Alert        *alerts.Alert   `json:"alert,omitempty"`
	Notification *notify.Payload `json:"notification,omitempty"`
}

// ChangeSource serves the pull feed used for replay.
type ChangeSource interface {
	Changes(ctx context.Context, cursor string, limit int) (alerts.Page, error)
}

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
	replayPageSize = 200
	maxReplayPages = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans alert changes out to websocket subscribers. Subscribers that
// fall behind by more than the send buffer are disconnected; they reconnect
// with their last cursor.
type Hub struct {
	source       ChangeSource
	pingInterval time.Duration
	pongTimeout  time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	// done is closed when the hub drops the client; send is never closed.
	done chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithKeepalive sets the ping interval and the pong deadline.
func WithKeepalive(ping, pong time.Duration) Option {
	return func(h *Hub) {
		if ping > 0 && pong > ping {
			h.pingInterval = ping
			h.pongTimeout = pong
		}
	}
}

// NewHub creates a hub. source may be nil, which disables replay.
func NewHub(source ChangeSource, opts ...Option) *Hub {
	h := &Hub{
		source:       source,
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		clients:      make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AlertChanged broadcasts a change. It never blocks.
func (h *Hub) AlertChanged(ctx context.Context, c alerts.Change) {
	if c.Alert == nil {
		return
	}
	h.broadcast(Message{
		Type:   TypeChange,
		Kind:   string(c.Kind),
		Cursor: alerts.CursorOf(c.Alert).String(),
		Alert:  c.Alert,
	})
}

// Notify broadcasts an in-app notification.
func (h *Hub) Notify(ctx context.Context, p notify.Payload) {
	h.broadcast(Message{
		Type:         TypeNotification,
		Kind:         string(p.Kind),
		Notification: &p,
	})
}

// Subscribers reports connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		logger.WithComponent("feed").Error().Err(err).Msg("failed to encode feed message")
		return
	}

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
		logger.WithComponent("feed").Warn().Str("conn_id", c.id).Msg("dropping slow subscriber")
		h.remove(c)
	}
}

// ServeHTTP upgrades the request and streams changes. A cursor query
// parameter replays everything after it before live changes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("feed")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	log.Info().Str("conn_id", c.id).Msg("feed subscriber connected")

	go h.writePump(c)
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		h.replay(r.Context(), c, cursor)
	}
	h.readPump(c)
}

func (h *Hub) replay(ctx context.Context, c *client, cursor string) {
	if h.source == nil {
		return
	}
	for i := 0; i < maxReplayPages; i++ {
		page, err := h.source.Changes(ctx, cursor, replayPageSize)
		if err != nil {
			logger.WithComponent("feed").Warn().Err(err).Str("conn_id", c.id).Msg("replay failed")
			return
		}
		for _, a := range page.Alerts {
			data, err := json.Marshal(Message{
				Type:   TypeChange,
				Kind:   KindReplay,
				Cursor: alerts.CursorOf(a).String(),
				Alert:  a,
			})
			if err != nil {
				continue
			}
			if !h.deliver(c, data) {
				return
			}
		}
		if len(page.Alerts) < replayPageSize {
			return
		}
		cursor = page.NextCursor
	}
}

// deliver blocks briefly so a replay can fill a fresh buffer.
func (h *Hub) deliver(c *client, data []byte) bool {
	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		return false
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.FeedSubscribers.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.done)
	metrics.FeedSubscribers.Set(float64(len(h.clients)))
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.done)
	}
	metrics.FeedSubscribers.Set(0)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump only watches for close and pong frames; subscribers do not send.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		logger.WithComponent("feed").Info().Str("conn_id", c.id).Msg("feed subscriber disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithComponent("feed").Debug().Err(err).Str("conn_id", c.id).Msg("websocket closed unexpectedly")
			}
			return
		}
	}
}
