// Package ws streams clearing events from the signal bus to websocket
// clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be below pongWait
	maxMessageSize = 4096
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are checked by the CORS middleware in front of the hub.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config describes what the hub relays.
type Config struct {
	// Channels are the bus channels forwarded to clients. New clients are
	// subscribed to all of them.
	Channels  []string
	Mode      string
	StartedAt time.Time
}

// subscribeMsg is sent by clients to change their subscriptions.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// envelope wraps every frame sent to clients.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Hub fans bus messages out to the connected clients subscribed to their
// channel.
type Hub struct {
	cfg        Config
	bus        domain.SignalBus
	logger     *slog.Logger
	register   chan *client
	unregister chan *client
	broadcast  chan broadcastMsg
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
}

type broadcastMsg struct {
	channel string
	data    []byte
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// NewHub creates a Hub. bus may be nil, in which case only Broadcast
// feeds clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	if cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	return &Hub{
		cfg:        cfg,
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan broadcastMsg, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run subscribes to the configured channels and serves clients until ctx
// is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		for _, ch := range h.cfg.Channels {
			go h.relay(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("clients", n))

		case msg := <-h.broadcast:
			frame, err := json.Marshal(envelope{Channel: msg.channel, Data: rawJSON(msg.data)})
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.channel) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("dropping message for slow client", slog.String("channel", msg.channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues data for the clients subscribed to channel.
func (h *Hub) Broadcast(ctx context.Context, channel string, data []byte) {
	select {
	case h.broadcast <- broadcastMsg{channel: channel, data: data}:
	case <-ctx.Done():
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) relay(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("subscribed", slog.String("channel", channel))

	for data := range msgs {
		h.Broadcast(ctx, channel, data)
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(h.cfg.Channels)),
	}
	for _, ch := range h.cfg.Channels {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil {
			c.apply(sub)
		}
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range msg.Channels {
		switch msg.Action {
		case "subscribe":
			c.subs[ch] = true
		case "unsubscribe":
			delete(c.subs, ch)
		}
	}
}

// isSubscribed matches exact names and trailing-'*' prefixes.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// sendStatus greets a new client so it can mark the feed as live before
// the first clearing event arrives.
func (c *client) sendStatus() {
	data, err := json.Marshal(map[string]any{
		"mode":           c.hub.cfg.Mode,
		"channels":       c.hub.cfg.Channels,
		"uptime_seconds": int64(time.Since(c.hub.cfg.StartedAt).Seconds()),
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(envelope{Channel: "status", Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

// rawJSON passes JSON payloads through and quotes anything else.
func rawJSON(data []byte) json.RawMessage {
	if json.Valid(data) {
		return data
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}
