// Package ingest accepts telemetry readings for a channel, persists
// them and fans them out to live subscribers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nugget/gridsense/internal/metrics"
	"github.com/nugget/gridsense/internal/realtime"
	"github.com/nugget/gridsense/internal/store"
)

// StoredMessage is the message returned for every accepted reading.
const StoredMessage = "Data stored"

var (
	// ErrInvalidPayload means the body is neither a {"data": {...}}
	// wrapper nor a bare JSON object.
	ErrInvalidPayload = errors.New("invalid data format")
	// ErrNoValidFields means field filtering left nothing to store.
	ErrNoValidFields = errors.New("no valid fields in payload")
	// ErrChannelNotFound is returned for unknown channel ids.
	ErrChannelNotFound = store.ErrChannelNotFound
)

// Store is the persistence the gateway needs.
type Store interface {
	Channel(ctx context.Context, id string) (*store.Channel, error)
	AppendEntry(ctx context.Context, channelID string, data map[string]any) (*store.Entry, error)
}

// Broadcaster delivers an event to the members of a room.
type Broadcaster interface {
	Broadcast(room, event string, payload any) error
}

// Result is returned for an accepted reading.
type Result struct {
	Message string `json:"message"`
	EntryID string `json:"entryId"`
}

// SensorUpdate is the payload of a sensor:update event.
type SensorUpdate struct {
	ChannelID string         `json:"channelId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Gateway runs the ingestion pipeline.
type Gateway struct {
	store   Store
	hub     Broadcaster
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewGateway creates a gateway. hub may be nil, in which case readings
// are stored but not broadcast.
func NewGateway(s Store, hub Broadcaster, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: s, hub: hub, logger: logger, metrics: m}
}

// Ingest validates body, stores it under channelID and broadcasts a
// sensor:update to the channel's room. The entry is persisted before
// the broadcast, and a failed broadcast does not fail the call.
func (g *Gateway) Ingest(ctx context.Context, channelID string, body []byte) (*Result, error) {
	data, err := ExtractPayload(body)
	if err != nil {
		return nil, err
	}

	ch, err := g.store.Channel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", channelID, err)
	}

	data = FilterFields(data, ch.FieldNames())
	if len(data) == 0 {
		return nil, ErrNoValidFields
	}

	entry, err := g.store.AppendEntry(ctx, channelID, data)
	if err != nil {
		return nil, fmt.Errorf("store reading for %s: %w", channelID, err)
	}
	g.metrics.EntryIngested()

	g.broadcast(entry)

	return &Result{Message: StoredMessage, EntryID: entry.ID}, nil
}

func (g *Gateway) broadcast(entry *store.Entry) {
	if g.hub == nil {
		return
	}
	err := g.hub.Broadcast(entry.ChannelID, realtime.EventSensorUpdate, SensorUpdate{
		ChannelID: entry.ChannelID,
		Timestamp: entry.RecordedAt,
		Data:      entry.Data,
	})
	if err != nil {
		g.logger.Warn("sensor update broadcast failed",
			"channel_id", entry.ChannelID, "entry_id", entry.ID, "error", err)
	}
}

// ExtractPayload returns the reading carried by body. A body of the
// form {"data": {...}} yields the inner object. When data is absent or
// empty (null, false, 0 or "") the whole object is the reading. Any
// other data value is rejected.
func ExtractPayload(body []byte) (map[string]any, error) {
	var outer map[string]any
	if err := json.Unmarshal(body, &outer); err != nil || outer == nil {
		return nil, ErrInvalidPayload
	}

	inner, ok := outer["data"]
	if !ok || isEmptyValue(inner) {
		return outer, nil
	}
	data, ok := inner.(map[string]any)
	if !ok {
		return nil, ErrInvalidPayload
	}
	return data, nil
}

// isEmptyValue reports whether v is a JSON null, false, zero or empty
// string.
func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case float64:
		return x == 0
	case string:
		return x == ""
	}
	return false
}

// FilterFields returns the keys of data named in allowed. An empty
// allow-list passes data through unchanged.
func FilterFields(data map[string]any, allowed []string) map[string]any {
	if len(allowed) == 0 {
		return data
	}
	out := make(map[string]any, len(allowed))
	for _, name := range allowed {
		if v, ok := data[name]; ok {
			out[name] = v
		}
	}
	return out
}
