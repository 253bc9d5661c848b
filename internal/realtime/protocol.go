package realtime

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Event names carried in the "event" field of a frame.
const (
	EventSubscribe     = "subscribe"
	EventUnsubscribe   = "unsubscribe"
	EventSensorUpdate  = "sensor:update"
	EventDeviceCommand = "device:command"
	EventDeviceAck     = "device:ack"
	EventError         = "error"
)

// Frame is the envelope of every WebSocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CommandRequest is the data of a client device:command frame.
type CommandRequest struct {
	ChannelID string          `json:"channelId"`
	Command   json.RawMessage `json:"command"`
}

// ErrorPayload is the data of a server error frame.
type ErrorPayload struct {
	Event     string `json:"event"`
	ChannelID string `json:"channelId,omitempty"`
	Message   string `json:"message"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// roomName extracts the channel id from subscribe/unsubscribe data,
// which is a bare JSON string.
func roomName(data json.RawMessage) (string, bool) {
	var room string
	if err := json.Unmarshal(data, &room); err != nil || room == "" {
		return "", false
	}
	return room, true
}
