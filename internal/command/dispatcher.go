// Package command relays operator commands to devices through the
// broker and relays device acknowledgments back to realtime
// subscribers.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nugget/gridsense/internal/metrics"
	"github.com/nugget/gridsense/internal/mqtt"
	"github.com/nugget/gridsense/internal/realtime"
	"github.com/nugget/gridsense/internal/store"
	"github.com/nugget/gridsense/internal/topics"
)

// Command sources recorded in the envelope.
const (
	SourceAPI    = "api"
	SourceSocket = "socket"
)

var (
	// ErrInvalidCommand means the command is not a JSON object.
	ErrInvalidCommand = errors.New("command payload must be an object")
	// ErrChannelNotFound is returned for unknown channels and for
	// channels outside the caller's ownership scope.
	ErrChannelNotFound = store.ErrChannelNotFound
)

// Publisher sends a message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, message any, opts ...mqtt.PublishOption) error
}

// Registry resolves channels.
type Registry interface {
	Channel(ctx context.Context, id string) (*store.Channel, error)
}

// Broadcaster delivers an event to the members of a room.
type Broadcaster interface {
	Broadcast(room, event string, payload any) error
}

// Envelope is the message published to a device and echoed to its
// room.
type Envelope struct {
	Source    string         `json:"source"`
	ChannelID string         `json:"channelId"`
	IssuedBy  string         `json:"issuedBy,omitempty"`
	At        time.Time      `json:"at"`
	Command   map[string]any `json:"command"`
}

// Options describe who issued a command.
type Options struct {
	Source   string
	IssuedBy string
	// OwnerID, when set, restricts dispatch to channels owned by that
	// user.
	OwnerID string
}

// Dispatcher publishes commands and echoes them to observers.
type Dispatcher struct {
	broker   Publisher
	channels Registry
	hub      Broadcaster
	namer    topics.Namer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(broker Publisher, channels Registry, hub Broadcaster, namer topics.Namer, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		broker:   broker,
		channels: channels,
		hub:      hub,
		namer:    namer,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Topic returns the command topic for channelID.
func (d *Dispatcher) Topic(channelID string) string {
	return d.namer.Command(channelID)
}

// Dispatch publishes command to the channel's command topic and, only
// once the broker has accepted it, echoes the envelope to the
// channel's room as device:command.
func (d *Dispatcher) Dispatch(ctx context.Context, channelID string, command json.RawMessage, opts Options) (*Envelope, error) {
	env, err := d.dispatch(ctx, channelID, command, opts)
	d.metrics.CommandDispatched(opts.Source, resultLabel(err))
	return env, err
}

func (d *Dispatcher) dispatch(ctx context.Context, channelID string, command json.RawMessage, opts Options) (*Envelope, error) {
	var body map[string]any
	if err := json.Unmarshal(command, &body); err != nil || body == nil {
		return nil, ErrInvalidCommand
	}

	ch, err := d.channels.Channel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", channelID, err)
	}
	if opts.OwnerID != "" && ch.UserID != opts.OwnerID {
		return nil, fmt.Errorf("resolve channel %s: %w", channelID, ErrChannelNotFound)
	}

	env := &Envelope{
		Source:    opts.Source,
		ChannelID: channelID,
		IssuedBy:  opts.IssuedBy,
		At:        d.now().UTC(),
		Command:   body,
	}

	topic := d.namer.Command(channelID)
	if err := d.broker.Publish(ctx, topic, env); err != nil {
		return nil, fmt.Errorf("publish command for %s: %w", channelID, err)
	}
	d.logger.Info("command dispatched",
		"channel_id", channelID, "source", env.Source, "topic", topic)

	if d.hub != nil {
		if err := d.hub.Broadcast(channelID, realtime.EventDeviceCommand, env); err != nil {
			d.logger.Warn("command echo failed", "channel_id", channelID, "error", err)
		}
	}
	return env, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid"
	case errors.Is(err, ErrChannelNotFound):
		return "not_found"
	case errors.Is(err, mqtt.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, mqtt.ErrPublishTimeout):
		return "timeout"
	default:
		return "failed"
	}
}

// PublicMessage returns the message shown to a caller whose command
// failed with err.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return "Command payload must be an object"
	case errors.Is(err, ErrChannelNotFound):
		return "Channel not found"
	default:
		return "Failed to send command"
	}
}
