package realtime

// Conn is one live WebSocket connection as seen by the room table.
type Conn struct {
	id     string
	userID string
	send   chan []byte

	// closed is guarded by the owning hub's mu.
	closed bool
}

func newConn(id string, buf int) *Conn {
	if buf <= 0 {
		buf = 1
	}
	return &Conn{
		id:   id,
		send: make(chan []byte, buf),
	}
}

// ID returns the connection identifier assigned on accept.
func (c *Conn) ID() string {
	return c.id
}

// UserID returns the user that authenticated the connection, or ""
// when the upgrade carried no API key.
func (c *Conn) UserID() string {
	return c.userID
}

// trySend queues frame without blocking. It reports false when the
// buffer is full or the connection is closed. The caller must hold the
// hub's lock for reading so that close cannot run concurrently.
func (c *Conn) trySend(frame []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close closes the send channel once, which ends the write loop. The
// caller must hold the hub's lock for writing.
func (c *Conn) close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
