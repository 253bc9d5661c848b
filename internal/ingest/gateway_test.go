package ingest

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/nugget/gridsense/internal/realtime"
	"github.com/nugget/gridsense/internal/store"
	_ "modernc.org/sqlite"
)

type broadcast struct {
	room    string
	event   string
	payload any
}

type fakeHub struct {
	mu     sync.Mutex
	events []broadcast
	err    error
	// onBroadcast runs before the event is recorded.
	onBroadcast func()
}

func (f *fakeHub) Broadcast(room, event string, payload any) error {
	if f.onBroadcast != nil {
		f.onBroadcast()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, broadcast{room, event, payload})
	return f.err
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := store.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func seedChannel(t *testing.T, s *store.Store, id string, fields ...string) {
	t.Helper()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "ops")
	if err != nil {
		t.Fatal(err)
	}
	c := &store.Channel{ID: id, UserID: u.ID, ProjectName: "test"}
	for _, f := range fields {
		c.Fields = append(c.Fields, store.Field{Name: f})
	}
	if err := s.CreateChannel(ctx, c); err != nil {
		t.Fatal(err)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entryCount(t *testing.T, s *store.Store, channelID string) int {
	t.Helper()
	entries, err := s.History(context.Background(), channelID, store.HistoryQuery{})
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestExtractPayload(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    map[string]any
		wantErr bool
	}{
		{"wrapped", `{"data":{"v":1}}`, map[string]any{"v": float64(1)}, false},
		{"bare", `{"v":1,"w":2}`, map[string]any{"v": float64(1), "w": float64(2)}, false},
		{"null data falls back to body", `{"data":null,"v":1}`, map[string]any{"data": nil, "v": float64(1)}, false},
		{"false data falls back to body", `{"data":false,"v":1}`, map[string]any{"data": false, "v": float64(1)}, false},
		{"zero data falls back to body", `{"data":0,"v":1}`, map[string]any{"data": float64(0), "v": float64(1)}, false},
		{"empty string data falls back to body", `{"data":"","v":1}`, map[string]any{"data": "", "v": float64(1)}, false},
		{"data not an object", `{"data":[1,2]}`, nil, true},
		{"data is a number", `{"data":7}`, nil, true},
		{"data is a string", `{"data":"22.5"}`, nil, true},
		{"array body", `[1,2,3]`, nil, true},
		{"string body", `"hello"`, nil, true},
		{"null body", `null`, nil, true},
		{"garbage", `{not json`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractPayload([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Fatalf("error = %v, want ErrInvalidPayload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterFields(t *testing.T) {
	data := map[string]any{"temperature": 21.5, "pressure": 1002}

	if got := FilterFields(data, nil); !reflect.DeepEqual(got, data) {
		t.Errorf("empty allow-list changed data: %v", got)
	}

	got := FilterFields(data, []string{"temperature", "humidity"})
	if !reflect.DeepEqual(got, map[string]any{"temperature": 21.5}) {
		t.Errorf("filtered = %v", got)
	}

	if got := FilterFields(data, []string{"humidity"}); len(got) != 0 {
		t.Errorf("filtered = %v, want empty", got)
	}
}

// Declared fields [temperature humidity]; a reading with temperature
// and pressure stores and broadcasts only temperature.
func TestIngest_FiltersDeclaredFields(t *testing.T) {
	s := setupStore(t)
	seedChannel(t, s, "CH123", "temperature", "humidity")
	hub := &fakeHub{}
	g := NewGateway(s, hub, quietLogger(), nil)

	res, err := g.Ingest(context.Background(), "CH123", []byte(`{"temperature":21.5,"pressure":1002}`))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Message != "Data stored" || res.EntryID == "" {
		t.Errorf("result = %+v", res)
	}

	latest, err := s.LatestEntry(context.Background(), "CH123")
	if err != nil || latest == nil {
		t.Fatalf("latest: %v %v", latest, err)
	}
	want := map[string]any{"temperature": 21.5}
	if !reflect.DeepEqual(latest.Data, want) {
		t.Errorf("stored data = %v, want %v", latest.Data, want)
	}
	if latest.ID != res.EntryID {
		t.Errorf("stored id = %q, result id = %q", latest.ID, res.EntryID)
	}

	if len(hub.events) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(hub.events))
	}
	ev := hub.events[0]
	if ev.room != "CH123" || ev.event != realtime.EventSensorUpdate {
		t.Errorf("broadcast to %s/%s", ev.room, ev.event)
	}
	update, ok := ev.payload.(SensorUpdate)
	if !ok {
		t.Fatalf("payload type %T", ev.payload)
	}
	if update.ChannelID != "CH123" || !reflect.DeepEqual(update.Data, want) || update.Timestamp.IsZero() {
		t.Errorf("update = %+v", update)
	}
}

func TestIngest_NoValidFields(t *testing.T) {
	s := setupStore(t)
	seedChannel(t, s, "CH1", "temperature")
	hub := &fakeHub{}
	g := NewGateway(s, hub, quietLogger(), nil)

	for _, body := range []string{`{"pressure":1}`, `{}`, `{"data":{}}`} {
		_, err := g.Ingest(context.Background(), "CH1", []byte(body))
		if !errors.Is(err, ErrNoValidFields) {
			t.Errorf("Ingest(%s) error = %v, want ErrNoValidFields", body, err)
		}
	}
	if n := entryCount(t, s, "CH1"); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
	if len(hub.events) != 0 {
		t.Errorf("broadcasts = %d, want 0", len(hub.events))
	}
}

func TestIngest_UnknownChannel(t *testing.T) {
	s := setupStore(t)
	hub := &fakeHub{}
	g := NewGateway(s, hub, quietLogger(), nil)

	_, err := g.Ingest(context.Background(), "CH404", []byte(`{"v":1}`))
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("error = %v, want ErrChannelNotFound", err)
	}
	if n := entryCount(t, s, "CH404"); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
	if len(hub.events) != 0 {
		t.Errorf("broadcasts = %d, want 0", len(hub.events))
	}
}

func TestIngest_InvalidPayloadChecksBeforeLookup(t *testing.T) {
	g := NewGateway(setupStore(t), &fakeHub{}, quietLogger(), nil)
	_, err := g.Ingest(context.Background(), "CH404", []byte(`[1]`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("error = %v, want ErrInvalidPayload", err)
	}
}

func TestIngest_PersistsBeforeBroadcast(t *testing.T) {
	s := setupStore(t)
	seedChannel(t, s, "CH1")

	var seen int
	hub := &fakeHub{}
	hub.onBroadcast = func() { seen = entryCount(t, s, "CH1") }
	g := NewGateway(s, hub, quietLogger(), nil)

	if _, err := g.Ingest(context.Background(), "CH1", []byte(`{"data":{"v":1}}`)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if seen != 1 {
		t.Errorf("entries visible at broadcast time = %d, want 1", seen)
	}
}

func TestIngest_BroadcastFailureKeepsEntry(t *testing.T) {
	s := setupStore(t)
	seedChannel(t, s, "CH1")

	for _, hub := range []Broadcaster{
		&fakeHub{err: realtime.ErrUnavailable},
		(*realtime.Hub)(nil),
		nil,
	} {
		g := NewGateway(s, hub, quietLogger(), nil)
		if _, err := g.Ingest(context.Background(), "CH1", []byte(`{"v":1}`)); err != nil {
			t.Fatalf("Ingest with failing hub: %v", err)
		}
	}
	if n := entryCount(t, s, "CH1"); n != 3 {
		t.Errorf("entries = %d, want 3", n)
	}
}
