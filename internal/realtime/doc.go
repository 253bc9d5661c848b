// Package realtime is the WebSocket hub. Each connection gets an id
// and can join any number of rooms; a room is named by a channel id.
// Events broadcast to a room reach only its members.
//
// Frames in both directions are JSON objects of the form
//
//	{"event": "<name>", "data": <payload>}
//
// Clients send subscribe and unsubscribe with a channel id string as
// data, and device:command with {"channelId", "command"}. The server
// sends sensor:update, device:command and device:ack to room members,
// and error to a client whose request could not be served.
//
// Delivery is non-blocking: every connection has a bounded send
// buffer and events for a connection whose buffer is full are dropped
// for that connection only.
package realtime
