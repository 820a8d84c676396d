package diagnostics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c2mon/c2mon-sub007/internal/dispatch"
	"github.com/c2mon/c2mon-sub007/internal/health"
	"github.com/c2mon/c2mon-sub007/internal/infrastructure/influxdb"
	"github.com/c2mon/c2mon-sub007/internal/messaging"
)

// Compile-time interface checks.
var (
	_ health.Listener              = (*Recorder)(nil)
	_ health.BackpressureListener  = (*Recorder)(nil)
	_ messaging.ConnectionListener = (*Recorder)(nil)
	_ PointWriter                  = (*influxdb.Client)(nil)
	_ StatsSource                  = (*messaging.Proxy)(nil)
)

type point struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
	ts          time.Time
}

type fakeWriter struct {
	mu     sync.Mutex
	points []point
}

func (w *fakeWriter) WritePoint(m string, tags map[string]string, fields map[string]any, ts time.Time) {
	w.mu.Lock()
	w.points = append(w.points, point{m, tags, fields, ts})
	w.mu.Unlock()
}

func (w *fakeWriter) all() []point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]point(nil), w.points...)
}

type fakeSource []dispatch.Stats

func (s fakeSource) Stats() []dispatch.Stats { return s }

func TestRecorder_Sample(t *testing.T) {
	w := &fakeWriter{}
	src := fakeSource{
		{Name: "hb", Size: 2, Capacity: 100, Dispatched: 7, LastLatency: 3 * time.Millisecond},
		{Name: "tags", Size: 0, Capacity: 10000},
	}
	r := NewRecorder(w, src, "console", time.Second)

	r.Sample()

	points := w.all()
	if len(points) != 2 {
		t.Fatalf("wrote %d points, want 2", len(points))
	}
	p := points[0]
	if p.measurement != MeasurementQueue || p.tags["queue"] != "hb" || p.tags["client"] != "console" {
		t.Errorf("point = %+v", p)
	}
	if p.fields["size"] != 2 || p.fields["dispatched"] != uint64(7) || p.fields["last_latency_ms"] != int64(3) {
		t.Errorf("fields = %v", p.fields)
	}
}

func TestRecorder_Notices(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, nil, "", 0)
	at := time.UnixMilli(1_700_000_000_000)

	r.OnBackpressure(dispatch.BackpressureEvent{Queue: "hb", Size: 11, Capacity: 100, FillRatio: 0.11, Rising: true, Time: at})
	r.OnBackpressure(dispatch.BackpressureEvent{Queue: "hb", Size: 9, Capacity: 100, FillRatio: 0.09})
	r.OnSlowConsumer(dispatch.SlowConsumer{Queue: "hb", Description: "heartbeat", Stalled: 31 * time.Second, DetectedAt: at})
	r.OnConnection()
	r.OnDisconnection()
	r.Sample() // nil source writes nothing

	points := w.all()
	if len(points) != 5 {
		t.Fatalf("wrote %d points, want 5", len(points))
	}

	tests := []struct {
		name        string
		measurement string
		check       func(p point) bool
	}{
		{"rising", MeasurementBackpressure, func(p point) bool { return p.tags["direction"] == "rising" && p.ts.Equal(at) }},
		{"falling", MeasurementBackpressure, func(p point) bool { return p.tags["direction"] == "falling" && !p.ts.IsZero() }},
		{"slow consumer", MeasurementSlowConsumer, func(p point) bool { return p.fields["stalled_ms"] == int64(31000) }},
		{"connected", MeasurementConnection, func(p point) bool { return p.fields["connected"] == true }},
		{"disconnected", MeasurementConnection, func(p point) bool { return p.fields["connected"] == false }},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := points[i]
			if p.measurement != tt.measurement || !tt.check(p) {
				t.Errorf("point = %+v", p)
			}
			if _, ok := p.tags["client"]; ok {
				t.Error("client tag set without a client name")
			}
		})
	}
}

func TestRecorder_Run(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, fakeSource{{Name: "hb"}}, "", 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(w.all()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no samples written")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRecorder_FromMonitor(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, nil, "", 0)

	m := health.New(0)
	m.AddListener(r)
	m.AddBackpressureListener(r)

	m.OnBackpressure(dispatch.BackpressureEvent{Queue: "hb", Rising: true})
	m.OnSlowConsumer(dispatch.SlowConsumer{Queue: "hb"})

	if got := len(w.all()); got != 2 {
		t.Errorf("points = %d, want 2", got)
	}
}
