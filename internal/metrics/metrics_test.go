package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	if New(nil) != nil {
		t.Fatal("New(nil) should return nil")
	}
	m.EntryIngested()
	m.CommandDispatched("api", "ok")
	m.AckRelayed()
	m.AckDropped("malformed")
	m.Broadcast("sensor:update")
	m.EventDropped()
	m.ClientConnected()
	m.ClientDisconnected()
	m.SetBrokerConnected(true)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.EntryIngested()
	m.EntryIngested()
	if got := testutil.ToFloat64(m.entriesIngested); got != 2 {
		t.Errorf("entries = %v, want 2", got)
	}

	m.CommandDispatched("socket", "ok")
	if got := testutil.ToFloat64(m.commands.WithLabelValues("socket", "ok")); got != 1 {
		t.Errorf("commands{socket,ok} = %v, want 1", got)
	}

	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	if got := testutil.ToFloat64(m.clientsConnected); got != 1 {
		t.Errorf("clients = %v, want 1", got)
	}

	m.SetBrokerConnected(true)
	if got := testutil.ToFloat64(m.brokerConnected); got != 1 {
		t.Errorf("broker connected = %v, want 1", got)
	}
}
