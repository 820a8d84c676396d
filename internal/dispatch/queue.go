package dispatch

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Queue defaults.
const (
	// DefaultCapacity suits low-rate channels such as heartbeats.
	DefaultCapacity = 100

	// HighRateCapacity suits tag-update and alarm channels.
	HighRateCapacity = 10000

	// DefaultPollTimeout is how long the worker waits for an event before
	// re-checking for shutdown.
	DefaultPollTimeout = 2 * time.Second

	// DefaultOfferTimeout bounds how long a full queue blocks the broker.
	DefaultOfferTimeout = 10 * time.Second

	// DefaultSlowConsumerThreshold is the dispatch duration after which a
	// listener is reported as slow.
	DefaultSlowConsumerThreshold = 30 * time.Second

	// DefaultBackpressureGranularity is the fill-ratio step that triggers
	// backpressure notifications.
	DefaultBackpressureGranularity = 0.1
)

// Options configures a Queue. Zero values select the defaults above.
type Options struct {
	// Name identifies the queue in logs and notifications.
	Name string

	Capacity    int
	PollTimeout time.Duration

	// OfferTimeout bounds a blocked Offer. Negative blocks until Close.
	OfferTimeout time.Duration

	// SlowConsumerThreshold is the stall duration that triggers a
	// SlowConsumer notice. Negative disables detection.
	SlowConsumerThreshold time.Duration

	BackpressureGranularity float64

	// OnBackpressure is called, on the goroutine that changed the fill
	// level, whenever the fill ratio crosses a granularity boundary.
	// It must not block.
	OnBackpressure func(BackpressureEvent)

	// OnSlowConsumer is called once per stalled dispatch.
	OnSlowConsumer func(SlowConsumer)

	Logger Logger
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.OfferTimeout == 0 {
		o.OfferTimeout = DefaultOfferTimeout
	}
	if o.SlowConsumerThreshold == 0 {
		o.SlowConsumerThreshold = DefaultSlowConsumerThreshold
	}
	if o.BackpressureGranularity <= 0 || o.BackpressureGranularity > 1 {
		o.BackpressureGranularity = DefaultBackpressureGranularity
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	return o
}

// BackpressureEvent reports a fill-ratio boundary crossing.
type BackpressureEvent struct {
	Queue     string    `json:"queue"`
	Size      int       `json:"size"`
	Capacity  int       `json:"capacity"`
	FillRatio float64   `json:"fill_ratio"`
	Rising    bool      `json:"rising"`
	Time      time.Time `json:"time"`
}

// SlowConsumer describes a listener whose dispatch has stalled.
type SlowConsumer struct {
	Queue       string        `json:"queue"`
	Description string        `json:"description"`
	Stalled     time.Duration `json:"stalled"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Name        string        `json:"name"`
	Size        int           `json:"size"`
	Capacity    int           `json:"capacity"`
	Dispatched  uint64        `json:"dispatched"`
	Failed      uint64        `json:"failed"`
	Dropped     uint64        `json:"dropped"`
	LastLatency time.Duration `json:"last_latency"`
	MaxLatency  time.Duration `json:"max_latency"`
}

// flight is the event currently being dispatched.
type flight[E any] struct {
	event    E
	started  time.Time
	reported atomic.Bool
}

// Queue is a bounded FIFO of events with a single dispatch worker.
//
// Thread Safety:
//   - Offer, Size, Stats and Close are safe for concurrent use.
//   - Events are handled by exactly one goroutine, in arrival order.
type Queue[E any] struct {
	opts     Options
	handle   func(E) error
	describe func(E) string

	items chan E
	step  int

	bpMu       sync.Mutex
	lastBucket int

	inflight atomic.Pointer[flight[E]]

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	dispatched  atomic.Uint64
	failed      atomic.Uint64
	dropped     atomic.Uint64
	lastLatency atomic.Int64
	maxLatency  atomic.Int64
}

// NewQueue creates a stopped queue. Call Start to launch the worker.
//
// Parameters:
//   - opts: Queue options (zero values select defaults)
//   - handle: Converts and delivers one event. Errors wrapping
//     ErrMalformedEvent are logged as dropped events, other errors as
//     dispatch failures. Neither stops the worker.
//   - describe: Human-readable description of the in-flight dispatch for
//     slow-consumer notices (optional)
func NewQueue[E any](opts Options, handle func(E) error, describe func(E) string) *Queue[E] {
	opts = opts.withDefaults()

	step := int(math.Round(float64(opts.Capacity) * opts.BackpressureGranularity))
	if step < 1 {
		step = 1
	}

	if describe == nil {
		describe = func(e E) string { return fmt.Sprintf("%v", e) }
	}

	return &Queue[E]{
		opts:     opts,
		handle:   handle,
		describe: describe,
		items:    make(chan E, opts.Capacity),
		step:     step,
		done:     make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue[E]) Name() string {
	return q.opts.Name
}

// Capacity returns the maximum number of buffered events.
func (q *Queue[E]) Capacity() int {
	return q.opts.Capacity
}

// Size returns the number of buffered events.
func (q *Queue[E]) Size() int {
	return len(q.items)
}

// Start launches the dispatch worker. Subsequent calls are no-ops.
func (q *Queue[E]) Start() {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go q.run()
	})
}

// Close signals the worker to exit at the top of its next iteration and
// returns immediately. A dispatch in progress is not interrupted.
// Buffered events are discarded.
func (q *Queue[E]) Close() {
	q.stopOnce.Do(func() {
		close(q.done)
	})
}

// Stop closes the queue and waits for the worker to exit.
//
// Stop must not be called from within the handler, since it waits for the
// handler's own goroutine; use Close there.
func (q *Queue[E]) Stop() {
	q.Close()
	q.wg.Wait()
}

// Done is closed once Close or Stop has been called.
func (q *Queue[E]) Done() <-chan struct{} {
	return q.done
}

// Offer enqueues an event for dispatch.
//
// Offer is called from the broker delivery path. When the queue is full it
// blocks, applying backpressure to the broker, for at most the offer
// timeout.
//
// Returns:
//   - nil: event enqueued
//   - ErrQueueFull: the offer timed out; the event was counted as dropped
//   - ErrStopped: the queue has been closed
func (q *Queue[E]) Offer(e E) error {
	select {
	case <-q.done:
		return ErrStopped
	default:
	}

	q.checkSlowConsumer()

	select {
	case q.items <- e:
	default:
		q.opts.Logger.Warn("dispatch queue full, blocking broker delivery",
			"queue", q.opts.Name,
			"capacity", q.opts.Capacity,
		)

		var timeout <-chan time.Time
		if q.opts.OfferTimeout > 0 {
			timer := time.NewTimer(q.opts.OfferTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case q.items <- e:
		case <-timeout:
			q.dropped.Add(1)
			q.opts.Logger.Error("dispatch queue offer timed out, event dropped",
				"queue", q.opts.Name,
				"timeout", q.opts.OfferTimeout,
			)
			return fmt.Errorf("%w: %s after %v", ErrQueueFull, q.opts.Name, q.opts.OfferTimeout)
		case <-q.done:
			return ErrStopped
		}
	}

	q.checkBackpressure()
	return nil
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[E]) Stats() Stats {
	return Stats{
		Name:        q.opts.Name,
		Size:        q.Size(),
		Capacity:    q.opts.Capacity,
		Dispatched:  q.dispatched.Load(),
		Failed:      q.failed.Load(),
		Dropped:     q.dropped.Load(),
		LastLatency: time.Duration(q.lastLatency.Load()),
		MaxLatency:  time.Duration(q.maxLatency.Load()),
	}
}

// run is the persistent worker loop.
func (q *Queue[E]) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			return
		default:
		}

		if e, ok := q.poll(); ok {
			q.dispatch(e)
		}
	}
}

// poll waits up to the poll timeout for the next event.
func (q *Queue[E]) poll() (E, bool) {
	timer := time.NewTimer(q.opts.PollTimeout)
	defer timer.Stop()

	select {
	case e := <-q.items:
		q.checkBackpressure()
		return e, true
	case <-timer.C:
	case <-q.done:
	}

	var zero E
	return zero, false
}

// dispatch hands one event to the handler, stamping it as in flight.
func (q *Queue[E]) dispatch(e E) {
	f := &flight[E]{event: e, started: time.Now()}
	q.inflight.Store(f)

	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.opts.Logger.Error("dispatch listener panic recovered",
				"queue", q.opts.Name,
				"panic", r,
			)
		}
		q.inflight.Store(nil)
		q.recordLatency(time.Since(f.started))
	}()

	if err := q.handle(e); err != nil {
		q.failed.Add(1)
		if errors.Is(err, ErrMalformedEvent) {
			q.opts.Logger.Warn("dropping malformed event",
				"queue", q.opts.Name,
				"error", err,
			)
		} else {
			q.opts.Logger.Error("event dispatch failed",
				"queue", q.opts.Name,
				"error", err,
			)
		}
		return
	}
	q.dispatched.Add(1)
}

func (q *Queue[E]) recordLatency(d time.Duration) {
	q.lastLatency.Store(int64(d))
	for {
		cur := q.maxLatency.Load()
		if int64(d) <= cur || q.maxLatency.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// checkBackpressure emits a BackpressureEvent when the fill level has moved
// into a different granularity bucket since the last notification.
func (q *Queue[E]) checkBackpressure() {
	q.bpMu.Lock()
	defer q.bpMu.Unlock()

	size := len(q.items)
	bucket := size / q.step
	if bucket == q.lastBucket {
		return
	}

	rising := bucket > q.lastBucket
	q.lastBucket = bucket

	ev := BackpressureEvent{
		Queue:     q.opts.Name,
		Size:      size,
		Capacity:  q.opts.Capacity,
		FillRatio: float64(size) / float64(q.opts.Capacity),
		Rising:    rising,
		Time:      time.Now(),
	}
	q.opts.Logger.Debug("dispatch queue fill level changed",
		"queue", ev.Queue,
		"size", ev.Size,
		"fill_ratio", ev.FillRatio,
		"rising", ev.Rising,
	)
	if q.opts.OnBackpressure != nil {
		q.opts.OnBackpressure(ev)
	}
}

// checkSlowConsumer reports the in-flight dispatch if it has been running
// longer than the threshold. Each stalled dispatch is reported once.
func (q *Queue[E]) checkSlowConsumer() {
	if q.opts.SlowConsumerThreshold <= 0 {
		return
	}

	f := q.inflight.Load()
	if f == nil {
		return
	}

	stalled := time.Since(f.started)
	if stalled <= q.opts.SlowConsumerThreshold {
		return
	}
	if !f.reported.CompareAndSwap(false, true) {
		return
	}

	notice := SlowConsumer{
		Queue:       q.opts.Name,
		Description: q.describe(f.event),
		Stalled:     stalled,
		DetectedAt:  time.Now(),
	}
	q.opts.Logger.Warn("slow consumer detected",
		"queue", notice.Queue,
		"stalled", notice.Stalled,
		"listener", notice.Description,
	)
	if q.opts.OnSlowConsumer != nil {
		q.opts.OnSlowConsumer(notice)
	}
}
