// Package diagnostics turns dispatch health into time-series points: queue
// depth and latency samples, backpressure crossings, slow-consumer notices
// and connection transitions.
package diagnostics

import (
	"context"
	"time"

	"github.com/c2mon/c2mon-sub007/internal/dispatch"
)

// Measurement names.
const (
	MeasurementQueue        = "c2mon_queue"
	MeasurementBackpressure = "c2mon_backpressure"
	MeasurementSlowConsumer = "c2mon_slow_consumer"
	MeasurementConnection   = "c2mon_connection"
)

const defaultSampleInterval = 10 * time.Second

// PointWriter accepts points. *influxdb.Client implements it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// StatsSource exposes the live dispatch queues. *messaging.Proxy
// implements it.
type StatsSource interface {
	Stats() []dispatch.Stats
}

// Recorder writes diagnostics points. It implements health.Listener,
// health.BackpressureListener and messaging.ConnectionListener.
type Recorder struct {
	writer   PointWriter
	source   StatsSource
	interval time.Duration
	client   string
	now      func() time.Time
}

// NewRecorder creates a Recorder.
//
// Parameters:
//   - writer: Destination for points
//   - source: Queue statistics sampled by Run (may be nil)
//   - client: Value of the "client" tag on every point
//   - interval: Sampling period of Run; zero means 10 seconds
func NewRecorder(writer PointWriter, source StatsSource, client string, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &Recorder{
		writer:   writer,
		source:   source,
		interval: interval,
		client:   client,
		now:      time.Now,
	}
}

// Run samples queue statistics until ctx ends.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sample()
		}
	}
}

// Sample writes one queue point per live dispatch queue.
func (r *Recorder) Sample() {
	if r.source == nil {
		return
	}
	ts := r.now()
	for _, s := range r.source.Stats() {
		r.writer.WritePoint(MeasurementQueue, r.tags("queue", s.Name), map[string]any{
			"size":            s.Size,
			"capacity":        s.Capacity,
			"dispatched":      s.Dispatched,
			"failed":          s.Failed,
			"dropped":         s.Dropped,
			"last_latency_ms": s.LastLatency.Milliseconds(),
			"max_latency_ms":  s.MaxLatency.Milliseconds(),
		}, ts)
	}
}

// OnBackpressure implements health.BackpressureListener.
func (r *Recorder) OnBackpressure(e dispatch.BackpressureEvent) {
	direction := "falling"
	if e.Rising {
		direction = "rising"
	}
	tags := r.tags("queue", e.Queue)
	tags["direction"] = direction

	r.writer.WritePoint(MeasurementBackpressure, tags, map[string]any{
		"size":       e.Size,
		"capacity":   e.Capacity,
		"fill_ratio": e.FillRatio,
	}, orNow(e.Time, r.now))
}

// OnSlowConsumer implements health.Listener.
func (r *Recorder) OnSlowConsumer(n dispatch.SlowConsumer) {
	r.writer.WritePoint(MeasurementSlowConsumer, r.tags("queue", n.Queue), map[string]any{
		"stalled_ms":  n.Stalled.Milliseconds(),
		"description": n.Description,
	}, orNow(n.DetectedAt, r.now))
}

// OnConnection implements messaging.ConnectionListener.
func (r *Recorder) OnConnection() {
	r.connection(true)
}

// OnDisconnection implements messaging.ConnectionListener.
func (r *Recorder) OnDisconnection() {
	r.connection(false)
}

func (r *Recorder) connection(up bool) {
	r.writer.WritePoint(MeasurementConnection, r.tags(), map[string]any{"connected": up}, r.now())
}

// tags returns the client tag plus the given key/value pairs.
func (r *Recorder) tags(kv ...string) map[string]string {
	tags := make(map[string]string, 1+len(kv)/2)
	if r.client != "" {
		tags["client"] = r.client
	}
	for i := 0; i+1 < len(kv); i += 2 {
		tags[kv[i]] = kv[i+1]
	}
	return tags
}

func orNow(t time.Time, now func() time.Time) time.Time {
	if t.IsZero() {
		return now()
	}
	return t
}
