package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nugget/gridsense/internal/mqtt"
	"github.com/nugget/gridsense/internal/realtime"
	"github.com/nugget/gridsense/internal/store"
	"github.com/nugget/gridsense/internal/topics"
)

// trace records publishes and broadcasts in the order they happen.
type trace struct {
	mu    sync.Mutex
	steps []string
}

func (tr *trace) add(step string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.steps = append(tr.steps, step)
}

func (tr *trace) all() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.steps...)
}

type published struct {
	topic   string
	message any
}

type fakeBroker struct {
	tr   *trace
	err  error
	sent []published
}

func (f *fakeBroker) Publish(_ context.Context, topic string, message any, _ ...mqtt.PublishOption) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{topic, message})
	f.tr.add("publish " + topic)
	return nil
}

type broadcastCall struct {
	room    string
	event   string
	payload any
}

type fakeHub struct {
	tr    *trace
	calls []broadcastCall
}

func (f *fakeHub) Broadcast(room, event string, payload any) error {
	f.calls = append(f.calls, broadcastCall{room, event, payload})
	f.tr.add("broadcast " + room + " " + event)
	return nil
}

type fakeRegistry map[string]*store.Channel

func (f fakeRegistry) Channel(_ context.Context, id string) (*store.Channel, error) {
	if c, ok := f[id]; ok {
		return c, nil
	}
	return nil, store.ErrChannelNotFound
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(brokerErr error) (*Dispatcher, *fakeBroker, *fakeHub, *trace) {
	tr := &trace{}
	broker := &fakeBroker{tr: tr, err: brokerErr}
	hub := &fakeHub{tr: tr}
	reg := fakeRegistry{
		"CH123": {ID: "CH123", UserID: "user-1"},
		"CH999": {ID: "CH999", UserID: "user-2"},
	}
	d := NewDispatcher(broker, reg, hub, topics.New(""), quietLogger(), nil)
	d.now = func() time.Time { return fixedNow }
	return d, broker, hub, tr
}

// Dispatching {"state":"on"} to CH123 publishes the envelope on the
// command topic, echoes it to the room, and the publish comes first.
func TestDispatch_PublishesThenEchoes(t *testing.T) {
	d, broker, hub, tr := newTestDispatcher(nil)

	env, err := d.Dispatch(context.Background(), "CH123", json.RawMessage(`{"state":"on"}`), Options{Source: SourceAPI})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	want := &Envelope{
		Source:    "api",
		ChannelID: "CH123",
		At:        fixedNow,
		Command:   map[string]any{"state": "on"},
	}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("envelope = %+v, want %+v", env, want)
	}

	if len(broker.sent) != 1 || broker.sent[0].topic != "gridsense/devices/CH123/commands" {
		t.Fatalf("published = %+v", broker.sent)
	}
	if broker.sent[0].message != env {
		t.Error("published message is not the returned envelope")
	}

	if len(hub.calls) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(hub.calls))
	}
	if hub.calls[0].room != "CH123" || hub.calls[0].event != realtime.EventDeviceCommand || hub.calls[0].payload != env {
		t.Errorf("broadcast = %+v", hub.calls[0])
	}

	steps := tr.all()
	wantSteps := []string{"publish gridsense/devices/CH123/commands", "broadcast CH123 device:command"}
	if !reflect.DeepEqual(steps, wantSteps) {
		t.Errorf("steps = %v, want %v", steps, wantSteps)
	}
}

func TestEnvelopeJSON(t *testing.T) {
	env := Envelope{
		Source:    SourceSocket,
		ChannelID: "CH123",
		At:        fixedNow,
		Command:   map[string]any{"state": "on"},
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"source":"socket","channelId":"CH123","at":"2026-03-01T12:00:00Z","command":{"state":"on"}}`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}
}

func TestDispatch_BrokerFailureMeansNoEcho(t *testing.T) {
	for _, brokerErr := range []error{
		mqtt.ErrNotConnected,
		fmt.Errorf("%w: boom", mqtt.ErrPublishFailed),
		mqtt.ErrPublishTimeout,
	} {
		t.Run(brokerErr.Error(), func(t *testing.T) {
			d, _, hub, _ := newTestDispatcher(brokerErr)

			env, err := d.Dispatch(context.Background(), "CH123", json.RawMessage(`{"state":"on"}`), Options{Source: SourceSocket})
			if !errors.Is(err, brokerErr) {
				t.Errorf("error = %v, want %v", err, brokerErr)
			}
			if env != nil {
				t.Error("envelope returned for failed dispatch")
			}
			if len(hub.calls) != 0 {
				t.Errorf("broadcasts = %d, want 0", len(hub.calls))
			}
			if PublicMessage(err) != "Failed to send command" {
				t.Errorf("public message = %q", PublicMessage(err))
			}
		})
	}
}

func TestDispatch_InvalidCommand(t *testing.T) {
	for _, raw := range []string{`null`, `"on"`, `[1,2]`, `42`, ``, `{broken`} {
		d, broker, hub, _ := newTestDispatcher(nil)
		_, err := d.Dispatch(context.Background(), "CH123", json.RawMessage(raw), Options{Source: SourceAPI})
		if !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("Dispatch(%q) error = %v, want ErrInvalidCommand", raw, err)
		}
		if len(broker.sent) != 0 || len(hub.calls) != 0 {
			t.Errorf("Dispatch(%q) had side effects", raw)
		}
	}
}

func TestDispatch_UnknownChannel(t *testing.T) {
	d, broker, hub, _ := newTestDispatcher(nil)
	_, err := d.Dispatch(context.Background(), "CH404", json.RawMessage(`{"a":1}`), Options{Source: SourceAPI})
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("error = %v, want ErrChannelNotFound", err)
	}
	if len(broker.sent) != 0 || len(hub.calls) != 0 {
		t.Error("unknown channel had side effects")
	}
	if PublicMessage(err) != "Channel not found" {
		t.Errorf("public message = %q", PublicMessage(err))
	}
}

func TestDispatch_OwnerScope(t *testing.T) {
	d, broker, _, _ := newTestDispatcher(nil)

	_, err := d.Dispatch(context.Background(), "CH999", json.RawMessage(`{"a":1}`),
		Options{Source: SourceAPI, IssuedBy: "user-1", OwnerID: "user-1"})
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("foreign channel error = %v, want ErrChannelNotFound", err)
	}

	env, err := d.Dispatch(context.Background(), "CH123", json.RawMessage(`{"a":1}`),
		Options{Source: SourceAPI, IssuedBy: "user-1", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("own channel: %v", err)
	}
	if env.IssuedBy != "user-1" {
		t.Errorf("issuedBy = %q, want user-1", env.IssuedBy)
	}
	if len(broker.sent) != 1 {
		t.Errorf("published = %d, want 1", len(broker.sent))
	}
}

func newTestRelay() (*Relay, *fakeHub) {
	hub := &fakeHub{tr: &trace{}}
	r := NewRelay(topics.New(""), hub, quietLogger(), nil)
	r.now = func() time.Time { return fixedNow }
	return r, hub
}

// An ack on gridsense/devices/CH123/ack reaches room CH123 only.
func TestRelay_ForwardsToChannelRoom(t *testing.T) {
	r, hub := newTestRelay()

	r.Handle("gridsense/devices/CH123/ack", []byte(`{"ok":true}`))

	if len(hub.calls) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(hub.calls))
	}
	call := hub.calls[0]
	if call.room != "CH123" || call.event != realtime.EventDeviceAck {
		t.Errorf("broadcast to %s/%s", call.room, call.event)
	}
	want := Ack{
		Topic:   "gridsense/devices/CH123/ack",
		Payload: map[string]any{"ok": true},
		At:      fixedNow,
	}
	if !reflect.DeepEqual(call.payload, want) {
		t.Errorf("payload = %+v, want %+v", call.payload, want)
	}
}

func TestRelay_DropsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"bad json", "gridsense/devices/CH1/ack", `{nope`, ErrMalformedAck},
		{"empty body", "gridsense/devices/CH1/ack", ``, ErrMalformedAck},
		{"short topic", "gridsense/devices/ack", `{}`, ErrMalformedAckTopic},
		{"long topic", "gridsense/devices/CH1/extra/ack", `{}`, ErrMalformedAckTopic},
		{"wrong prefix", "other/devices/CH1/ack", `{}`, ErrMalformedAckTopic},
		{"wrong kind", "gridsense/devices/CH1/telemetry", `{}`, ErrMalformedAckTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, hub := newTestRelay()
			if err := r.relay(tt.topic, []byte(tt.payload)); !errors.Is(err, tt.wantErr) {
				t.Errorf("relay error = %v, want %v", err, tt.wantErr)
			}
			r.Handle(tt.topic, []byte(tt.payload))
			if len(hub.calls) != 0 {
				t.Errorf("broadcasts = %d, want 0", len(hub.calls))
			}
		})
	}
}

func TestRelay_NilHub(t *testing.T) {
	r := NewRelay(topics.New(""), nil, quietLogger(), nil)
	if err := r.relay("gridsense/devices/CH1/ack", []byte(`{}`)); !errors.Is(err, realtime.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
	r.Handle("gridsense/devices/CH1/ack", []byte(`{}`))
}
