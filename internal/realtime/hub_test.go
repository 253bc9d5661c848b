package realtime

import (
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nugget/gridsense/internal/config"
)

func testHub() *Hub {
	return NewHub(config.Default().Realtime, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func connect(h *Hub, id string, buf int) *Conn {
	c := newConn(id, buf)
	h.register(c)
	return c
}

// recv returns the next queued frame for c, or fails the test.
func recv(t *testing.T, c *Conn) Frame {
	t.Helper()
	select {
	case b, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Frame{}
}

func expectNone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case b := <-c.send:
		t.Fatalf("unexpected frame for %s: %s", c.id, b)
	default:
	}
}

func TestNilHubBroadcast(t *testing.T) {
	var h *Hub
	if err := h.Broadcast("CH1", EventSensorUpdate, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
	if h.ConnectionCount() != 0 {
		t.Error("nil hub should report zero connections")
	}
}

func TestNewConnectionHasNoRooms(t *testing.T) {
	h := testHub()
	c := connect(h, "a", 4)

	if h.IsMember(c, "CH1") {
		t.Error("new connection should not be in any room")
	}
	if h.ConnectionCount() != 1 {
		t.Errorf("connections = %d, want 1", h.ConnectionCount())
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	h := testHub()
	c := connect(h, "a", 4)

	h.Subscribe(c, "CH1")
	h.Subscribe(c, "CH1")
	if got := h.Members("CH1"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("members = %v, want [a]", got)
	}

	if err := h.Broadcast("CH1", EventSensorUpdate, map[string]any{"n": 1}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	recv(t, c)
	expectNone(t, c)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := testHub()
	c := connect(h, "a", 4)

	h.Unsubscribe(c, "CH1")
	h.Subscribe(c, "CH1")
	h.Unsubscribe(c, "CH1")
	h.Unsubscribe(c, "CH1")

	if got := h.Members("CH1"); len(got) != 0 {
		t.Errorf("members = %v, want none", got)
	}
}

func TestBroadcastRoomIsolation(t *testing.T) {
	h := testHub()
	a := connect(h, "a", 4)
	b := connect(h, "b", 4)
	both := connect(h, "c", 4)

	h.Subscribe(a, "CH1")
	h.Subscribe(b, "CH2")
	h.Subscribe(both, "CH1")
	h.Subscribe(both, "CH2")

	payload := map[string]any{"channelId": "CH1", "data": map[string]any{"v": 3.5}}
	if err := h.Broadcast("CH1", EventSensorUpdate, payload); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	f := recv(t, a)
	if f.Event != EventSensorUpdate {
		t.Errorf("event = %q, want %q", f.Event, EventSensorUpdate)
	}
	var got map[string]any
	if err := json.Unmarshal(f.Data, &got); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if got["channelId"] != "CH1" {
		t.Errorf("channelId = %v, want CH1", got["channelId"])
	}

	recv(t, both)
	expectNone(t, b)
}

func TestBroadcastEmptyRoom(t *testing.T) {
	h := testHub()
	c := connect(h, "a", 4)
	h.Subscribe(c, "CH1")

	if err := h.Broadcast("CH9", EventDeviceAck, map[string]any{}); err != nil {
		t.Errorf("broadcast to empty room: %v", err)
	}
	expectNone(t, c)
}

func TestDropConnectionLeavesAllRooms(t *testing.T) {
	h := testHub()
	c := connect(h, "a", 4)
	other := connect(h, "b", 4)
	h.Subscribe(c, "CH1")
	h.Subscribe(c, "CH2")
	h.Subscribe(other, "CH1")

	h.DropConnection(c)
	h.DropConnection(c)

	if h.IsMember(c, "CH1") || h.IsMember(c, "CH2") {
		t.Error("dropped connection still a room member")
	}
	if got := h.Members("CH1"); len(got) != 1 || got[0] != "b" {
		t.Errorf("CH1 members = %v, want [b]", got)
	}
	if got := h.Members("CH2"); len(got) != 0 {
		t.Errorf("CH2 members = %v, want none", got)
	}

	// A late subscribe for a dropped connection must not resurrect it.
	h.Subscribe(c, "CH3")
	if got := h.Members("CH3"); len(got) != 0 {
		t.Errorf("CH3 members = %v, want none", got)
	}
	if err := h.Broadcast("CH1", EventSensorUpdate, nil); err != nil {
		t.Errorf("broadcast after drop: %v", err)
	}
	recv(t, other)
}

func TestSlowConnectionDoesNotBlockOthers(t *testing.T) {
	h := testHub()
	slow := connect(h, "slow", 1)
	fast := connect(h, "fast", 16)
	h.Subscribe(slow, "CH1")
	h.Subscribe(fast, "CH1")

	done := make(chan struct{})
	go func() {
		for i := range 10 {
			h.Broadcast("CH1", EventSensorUpdate, map[string]any{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow connection")
	}

	for range 10 {
		recv(t, fast)
	}
	recv(t, slow)
	expectNone(t, slow)
}

func TestClose(t *testing.T) {
	h := testHub()
	c := connect(h, "a", 4)
	h.Subscribe(c, "CH1")

	h.Close()

	if h.ConnectionCount() != 0 {
		t.Errorf("connections = %d, want 0", h.ConnectionCount())
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed")
	}
}

func TestConcurrentSubscribeBroadcastDrop(t *testing.T) {
	h := testHub()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := connect(h, "c"+strconv.Itoa(i), 4)
			for range 100 {
				h.Subscribe(c, "CH1")
				if err := h.Broadcast("CH1", EventSensorUpdate, map[string]int{"n": i}); err != nil {
					t.Errorf("broadcast: %v", err)
					return
				}
				h.Unsubscribe(c, "CH1")
			}
			h.Subscribe(c, "CH1")
			h.DropConnection(c)
			h.sendTo(c, EventError, ErrorPayload{Message: "gone"})
			if err := h.Broadcast("CH1", EventSensorUpdate, nil); err != nil {
				t.Errorf("broadcast after drop: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := h.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount = %d, want 0", n)
	}
	if m := h.Members("CH1"); len(m) != 0 {
		t.Errorf("Members = %v, want empty", m)
	}
}
