package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/nugget/gridsense/internal/config"
	"github.com/nugget/gridsense/internal/metrics"
)

// ErrUnavailable is returned by Broadcast on a nil hub.
var ErrUnavailable = errors.New("realtime hub unavailable")

// Authenticator resolves an API key to the owning user id.
type Authenticator interface {
	UserIDForAPIKey(ctx context.Context, key string) (string, error)
}

// CommandHandler runs a device:command frame on behalf of conn.
// userID is the connection's authenticated user, or "" for an
// anonymous connection. A returned error is reported to the issuing
// connection only.
type CommandHandler func(ctx context.Context, userID, channelID string, command json.RawMessage) error

// ErrorMessager turns a command error into the text sent to the
// client. When nil the error string is sent.
type ErrorMessager func(err error) string

// Hub owns the room table and the WebSocket endpoint. All methods are
// safe for concurrent use.
type Hub struct {
	cfg     config.RealtimeConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	auth      Authenticator
	onCommand CommandHandler
	errText   ErrorMessager

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
	conns map[*Conn]map[string]struct{}
}

// Option configures optional Hub collaborators.
type Option func(*Hub)

// WithAuthenticator sets the API key resolver used when
// RequireAPIKey is enabled.
func WithAuthenticator(a Authenticator) Option {
	return func(h *Hub) { h.auth = a }
}

// WithCommandHandler sets the handler for client device:command
// frames. Without one such frames are answered with an error.
func WithCommandHandler(fn CommandHandler, msg ErrorMessager) Option {
	return func(h *Hub) {
		h.onCommand = fn
		h.errText = msg
	}
}

// WithMetrics records connection and broadcast counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates an empty hub.
func NewHub(cfg config.RealtimeConfig, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = config.Default().Realtime.SendBuffer
	}
	h := &Hub{
		cfg:    cfg,
		logger: logger,
		rooms:  make(map[string]map[*Conn]struct{}),
		conns:  make(map[*Conn]map[string]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, origin)
}

// register adds c to the hub with no room memberships.
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = make(map[string]struct{})
	h.mu.Unlock()
	h.metrics.ClientConnected()
}

// Subscribe adds c to room. Subscribing twice is a no-op, as is
// subscribing a connection that has already been dropped.
func (h *Hub) Subscribe(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	joined, ok := h.conns[c]
	if !ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	joined[room] = struct{}{}
}

// Unsubscribe removes c from room. Unsubscribing from a room c is not
// in is a no-op.
func (h *Hub) Unsubscribe(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, room)
}

// leave must be called with h.mu held.
func (h *Hub) leave(c *Conn, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, ok := h.conns[c]; ok {
		delete(joined, room)
	}
}

// DropConnection removes c from every room and closes its send
// buffer. It is safe to call more than once.
func (h *Hub) DropConnection(c *Conn) {
	h.mu.Lock()
	joined, ok := h.conns[c]
	if ok {
		for room := range joined {
			h.leave(c, room)
		}
		delete(h.conns, c)
	}
	c.close()
	h.mu.Unlock()

	if ok {
		h.metrics.ClientDisconnected()
	}
}

// Broadcast sends event with payload to every member of room. An
// empty room is a no-op. A member whose send buffer is full misses
// the event; no member can delay another.
func (h *Hub) Broadcast(room, event string, payload any) error {
	if h == nil {
		return ErrUnavailable
	}

	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.rooms[room]
	if len(members) == 0 {
		return nil
	}

	h.metrics.Broadcast(event)
	for c := range members {
		if !c.trySend(frame) {
			h.metrics.EventDropped()
			h.logger.Debug("realtime event dropped for slow connection",
				"conn_id", c.id, "room", room, "event", event)
		}
	}
	return nil
}

// sendTo queues event for a single connection.
func (h *Hub) sendTo(c *Conn, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Warn("realtime encode failed", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	sent := c.trySend(frame)
	h.mu.RUnlock()
	if !sent {
		h.metrics.EventDropped()
	}
}

// Members returns the ids of the connections in room, sorted.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		ids = append(ids, c.id)
	}
	slices.Sort(ids)
	return ids
}

// IsMember reports whether c is in room.
func (h *Hub) IsMember(c *Conn, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close drops every connection. Their write loops send a close frame
// and exit.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.DropConnection(c)
	}
}
