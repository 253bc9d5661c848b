// Package mqtt owns the single broker connection GridSense uses to
// reach devices. It publishes commands and subscribes to the device
// acknowledgment wildcard.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management. Reconnection is automatic and retried forever at a fixed
// interval. On every (re-)connect the ack wildcard subscription is
// re-established at QoS 1, since the session is started clean.
//
// Publishing never blocks on a down connection: [Client.Publish]
// fails immediately with [ErrNotConnected] and otherwise waits at most
// the configured publish timeout for the broker to accept the message.
package mqtt
