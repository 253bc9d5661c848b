package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nugget/gridsense/internal/config"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Upper bound on a single device:command round trip to the broker.
	commandTimeout = 30 * time.Second
)

// apiKeyFromRequest reads the key from the X-API-Key header or the
// apiKey query parameter.
func apiKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("apiKey"))
}

// ServeHTTP upgrades the request to a WebSocket and serves it until
// the peer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID string
	if h.cfg.RequireAPIKey {
		key := apiKeyFromRequest(r)
		if key == "" {
			http.Error(w, "API key is required", http.StatusUnauthorized)
			return
		}
		if h.auth == nil {
			http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
			return
		}
		id, err := h.auth.UserIDForAPIKey(r.Context(), key)
		if err != nil {
			http.Error(w, "Invalid API key", http.StatusForbidden)
			return
		}
		userID = id
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Debug("realtime upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(uuid.NewString(), h.cfg.SendBuffer)
	c.userID = userID
	h.register(c)

	h.logger.Info("realtime client connected",
		"conn_id", c.id, "remote", r.RemoteAddr, "authenticated", userID != "")

	go h.writePump(ws, c)
	h.readPump(r.Context(), ws, c)

	h.DropConnection(c)
	h.logger.Info("realtime client disconnected", "conn_id", c.id)
}

// readPump processes client frames in arrival order until the
// connection fails.
func (h *Hub) readPump(ctx context.Context, ws *websocket.Conn, c *Conn) {
	defer ws.Close()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("realtime read error", "conn_id", c.id, "error", err)
			}
			return
		}
		h.logger.Log(ctx, config.LevelTrace, "realtime frame received",
			"conn_id", c.id, "frame", string(data))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.sendError(c, "", "", "Malformed frame")
			continue
		}
		h.handleFrame(ctx, c, f)
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *Conn, f Frame) {
	switch f.Event {
	case EventSubscribe:
		room, ok := roomName(f.Data)
		if !ok {
			h.sendError(c, f.Event, "", "channelId is required")
			return
		}
		h.Subscribe(c, room)
		h.logger.Debug("realtime subscribe", "conn_id", c.id, "room", room)

	case EventUnsubscribe:
		room, ok := roomName(f.Data)
		if !ok {
			h.sendError(c, f.Event, "", "channelId is required")
			return
		}
		h.Unsubscribe(c, room)
		h.logger.Debug("realtime unsubscribe", "conn_id", c.id, "room", room)

	case EventDeviceCommand:
		h.handleCommand(ctx, c, f.Data)

	default:
		h.sendError(c, f.Event, "", "Unknown event")
	}
}

func (h *Hub) handleCommand(ctx context.Context, c *Conn, data json.RawMessage) {
	var req CommandRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ChannelID == "" {
		h.sendError(c, EventDeviceCommand, "", "channelId and command are required")
		return
	}
	if h.onCommand == nil {
		h.sendError(c, EventDeviceCommand, req.ChannelID, "Commands are not accepted on this connection")
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := h.onCommand(cmdCtx, c.userID, req.ChannelID, req.Command); err != nil {
		msg := err.Error()
		if h.errText != nil {
			msg = h.errText(err)
		}
		h.logger.Warn("realtime command failed",
			"conn_id", c.id, "channel_id", req.ChannelID, "error", err)
		h.sendError(c, EventDeviceCommand, req.ChannelID, msg)
	}
}

func (h *Hub) sendError(c *Conn, event, channelID, message string) {
	h.sendTo(c, EventError, ErrorPayload{
		Event:     event,
		ChannelID: channelID,
		Message:   message,
	})
}

// writePump drains c.send to the socket and keeps the peer alive with
// pings. It returns when the send buffer is closed or a write fails.
func (h *Hub) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					h.logger.Debug("realtime write error", "conn_id", c.id, "error", err)
				}
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
