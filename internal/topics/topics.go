// Package topics maps channel identifiers to the MQTT topics each channel
// owns. All names share the shape {prefix}/devices/{channelId}/{kind}.
package topics

import "strings"

// DefaultPrefix is the namespace used when none is configured.
const DefaultPrefix = "gridsense"

// Wildcard is the MQTT single-level wildcard.
const Wildcard = "+"

// Topic kinds, the last path segment of every channel topic.
const (
	KindTelemetry = "telemetry"
	KindCommands  = "commands"
	KindAck       = "ack"
)

// Namer builds topic names under a fixed prefix. The zero value uses
// [DefaultPrefix].
type Namer struct {
	prefix string
}

// New returns a Namer for prefix. Leading and trailing slashes are
// trimmed; an empty prefix selects [DefaultPrefix].
func New(prefix string) Namer {
	return Namer{prefix: strings.Trim(prefix, "/")}
}

// Prefix returns the effective namespace prefix.
func (n Namer) Prefix() string {
	if n.prefix == "" {
		return DefaultPrefix
	}
	return n.prefix
}

func (n Namer) topic(channelID, kind string) string {
	return n.Prefix() + "/devices/" + channelID + "/" + kind
}

// Telemetry returns the device-to-cloud telemetry topic for channelID.
func (n Namer) Telemetry(channelID string) string {
	return n.topic(channelID, KindTelemetry)
}

// Command returns the cloud-to-device command topic for channelID.
func (n Namer) Command(channelID string) string {
	return n.topic(channelID, KindCommands)
}

// Ack returns the device-to-cloud acknowledgment topic for channelID.
func (n Namer) Ack(channelID string) string {
	return n.topic(channelID, KindAck)
}

// AckWildcard returns the acknowledgment topic filter matching every
// channel.
func (n Namer) AckWildcard() string {
	return n.topic(Wildcard, KindAck)
}

// ParseAck extracts the channel identifier from an acknowledgment topic.
// It reports false when topic is not {prefix}/devices/{id}/ack with a
// single-segment, non-empty id.
func (n Namer) ParseAck(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, n.Prefix()+"/devices/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/"+KindAck)
	if !ok || id == "" || strings.Contains(id, "/") || id == Wildcard {
		return "", false
	}
	return id, true
}
