package command

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nugget/gridsense/internal/metrics"
	"github.com/nugget/gridsense/internal/realtime"
	"github.com/nugget/gridsense/internal/topics"
)

var (
	// ErrMalformedAck means an ack body is not valid JSON.
	ErrMalformedAck = errors.New("malformed ack payload")
	// ErrMalformedAckTopic means an ack topic does not have the
	// {prefix}/devices/{channelId}/ack shape.
	ErrMalformedAckTopic = errors.New("malformed ack topic")
)

// Ack is the payload of a device:ack event.
type Ack struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Relay forwards device acknowledgments from the broker to the room
// of the acknowledging channel. Its Handle method is an
// [mqtt.MessageHandler].
type Relay struct {
	namer   topics.Namer
	hub     Broadcaster
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRelay creates an ack relay.
func NewRelay(namer topics.Namer, hub Broadcaster, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		namer:   namer,
		hub:     hub,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Handle relays one broker message. Failures are logged and the
// message dropped; nothing is returned to the broker.
func (r *Relay) Handle(topic string, payload []byte) {
	if err := r.relay(topic, payload); err != nil {
		reason := "broadcast"
		switch {
		case errors.Is(err, ErrMalformedAck):
			reason = "malformed_payload"
		case errors.Is(err, ErrMalformedAckTopic):
			reason = "malformed_topic"
		}
		r.metrics.AckDropped(reason)
		r.logger.Warn("device ack dropped", "topic", topic, "reason", reason, "error", err)
		return
	}
	r.metrics.AckRelayed()
}

func (r *Relay) relay(topic string, payload []byte) error {
	var body any
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedAck, err)
	}

	channelID, ok := r.namer.ParseAck(topic)
	if !ok {
		return ErrMalformedAckTopic
	}

	if r.hub == nil {
		return realtime.ErrUnavailable
	}
	r.logger.Debug("device ack received", "channel_id", channelID, "topic", topic)
	return r.hub.Broadcast(channelID, realtime.EventDeviceAck, Ack{
		Topic:   topic,
		Payload: body,
		At:      r.now().UTC(),
	})
}
