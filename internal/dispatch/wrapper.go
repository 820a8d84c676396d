package dispatch

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2mon/c2mon-sub007/internal/transport"
)

// Mode selects how listeners share a topic.
type Mode int

const (
	// SingleListenerPerKey binds at most one listener to each filter key.
	// Adding a listener for a bound key replaces the previous one.
	SingleListenerPerKey Mode = iota

	// MultiListener delivers every event to every listener.
	MultiListener
)

// String returns the human-readable mode.
func (m Mode) String() string {
	if m == MultiListener {
		return "multi-listener"
	}
	return "single-listener-per-key"
}

// Strategy supplies the category-specific behaviour of a Wrapper.
type Strategy[E any, L comparable] struct {
	// Decode converts a raw message into an event.
	Decode func(payload []byte) (E, error)

	// Key returns the filter key of an event. Nil disables both key
	// routing and deduplication.
	Key func(E) string

	// Timestamp returns the ordering timestamp of an event. Nil disables
	// deduplication.
	Timestamp func(E) time.Time

	// Notify delivers an event to one listener.
	Notify func(listener L, event E)

	// Describe returns a short description of an event (optional).
	Describe func(E) string
}

// Wrapper binds one broker topic to a dispatch Queue and a listener set.
//
// Incoming messages are queued raw; the worker decodes them, drops events
// whose timestamp is not newer than the last one seen for the same key,
// and notifies the listeners. Because a single worker does all of this,
// listeners observe non-decreasing timestamps per key.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Wrapper[E any, L comparable] struct {
	topic    string
	mode     Mode
	strategy Strategy[E, L]
	queue    *Queue[transport.Message]

	mu        sync.RWMutex
	byKey     map[string]L
	keyOf     map[L]string
	listeners map[L]struct{}

	// lastSeen holds the newest admitted timestamp per filter key.
	lastSeen map[string]time.Time

	current  atomic.Pointer[string]
	filtered atomic.Uint64
}

// NewWrapper creates a wrapper for topic. The queue options name defaults
// to the topic. Call Start before the first message arrives.
func NewWrapper[E any, L comparable](topic string, mode Mode, strategy Strategy[E, L], opts Options) *Wrapper[E, L] {
	if opts.Name == "" {
		opts.Name = topic
	}

	w := &Wrapper[E, L]{
		topic:     topic,
		mode:      mode,
		strategy:  strategy,
		byKey:     make(map[string]L),
		keyOf:     make(map[L]string),
		listeners: make(map[L]struct{}),
		lastSeen:  make(map[string]time.Time),
	}
	w.queue = NewQueue(opts, w.process, w.describeInFlight)
	return w
}

// Topic returns the broker topic of the wrapper.
func (w *Wrapper[E, L]) Topic() string {
	return w.topic
}

// Mode returns the registration discipline.
func (w *Wrapper[E, L]) Mode() Mode {
	return w.mode
}

// Add registers a listener under key.
//
// On single-listener-per-key wrappers, a listener already bound to key is
// replaced and returned with replaced=true. A listener re-added under a
// different key moves to the new key. On multi-listener wrappers key is
// ignored.
func (w *Wrapper[E, L]) Add(key string, listener L) (previous L, replaced bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.mode == MultiListener {
		w.listeners[listener] = struct{}{}
		return previous, false
	}

	if oldKey, ok := w.keyOf[listener]; ok && oldKey != key {
		delete(w.byKey, oldKey)
		w.forgetLocked(oldKey)
	}

	if old, ok := w.byKey[key]; ok && old != listener {
		delete(w.keyOf, old)
		delete(w.listeners, old)
		previous, replaced = old, true
	}

	w.byKey[key] = listener
	w.keyOf[listener] = key
	w.listeners[listener] = struct{}{}
	return previous, replaced
}

// Remove unregisters a listener. It reports whether the listener was bound.
func (w *Wrapper[E, L]) Remove(listener L) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.listeners[listener]; !ok {
		return false
	}
	delete(w.listeners, listener)

	if key, ok := w.keyOf[listener]; ok {
		delete(w.keyOf, listener)
		if w.byKey[key] == listener {
			delete(w.byKey, key)
			w.forgetLocked(key)
		}
	}
	return true
}

// Replace transfers old's binding to replacement without touching the
// broker subscription. It reports whether old was bound.
func (w *Wrapper[E, L]) Replace(old, replacement L) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.listeners[old]; !ok {
		return false
	}
	delete(w.listeners, old)
	w.listeners[replacement] = struct{}{}

	if key, ok := w.keyOf[old]; ok {
		delete(w.keyOf, old)
		w.keyOf[replacement] = key
		w.byKey[key] = replacement
	}
	return true
}

// Has reports whether listener is bound.
func (w *Wrapper[E, L]) Has(listener L) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.listeners[listener]
	return ok
}

// IsEmpty reports whether no listeners remain.
func (w *Wrapper[E, L]) IsEmpty() bool {
	return w.Len() == 0
}

// Len returns the number of bound listeners.
func (w *Wrapper[E, L]) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.listeners)
}

// OnMessage is the broker handler for the topic. It blocks while the queue
// is full.
func (w *Wrapper[E, L]) OnMessage(msg transport.Message) {
	if err := w.queue.Offer(msg); err != nil {
		w.queue.opts.Logger.Warn("topic message not queued",
			"topic", w.topic,
			"error", err,
		)
	}
}

// Start launches the dispatch worker.
func (w *Wrapper[E, L]) Start() {
	w.queue.Start()
}

// Close signals the worker to exit without waiting.
func (w *Wrapper[E, L]) Close() {
	w.queue.Close()
}

// Stop signals the worker to exit and waits for it.
func (w *Wrapper[E, L]) Stop() {
	w.queue.Stop()
}

// QueueSize returns the number of queued messages.
func (w *Wrapper[E, L]) QueueSize() int {
	return w.queue.Size()
}

// Stats returns the queue counters.
func (w *Wrapper[E, L]) Stats() Stats {
	return w.queue.Stats()
}

// Filtered returns the number of events dropped as stale or duplicate.
func (w *Wrapper[E, L]) Filtered() uint64 {
	return w.filtered.Load()
}

// process runs on the worker goroutine for each queued message.
func (w *Wrapper[E, L]) process(msg transport.Message) error {
	event, err := w.strategy.Decode(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: topic %s: %w", ErrMalformedEvent, w.topic, err)
	}

	key := ""
	if w.strategy.Key != nil {
		key = w.strategy.Key(event)
	}

	targets, fresh := w.admit(key, event)
	if !fresh {
		w.filtered.Add(1)
		return nil
	}

	desc := w.describeEvent(event)
	for _, l := range targets {
		label := fmt.Sprintf("%T on %s handling %s", l, w.topic, desc)
		w.current.Store(&label)
		w.notify(l, event)
	}
	w.current.Store(nil)
	return nil
}

// notify delivers to one listener so that a panicking listener does not
// starve the others.
func (w *Wrapper[E, L]) notify(l L, event E) {
	defer func() {
		if r := recover(); r != nil {
			w.queue.opts.Logger.Error("listener panic recovered",
				"topic", w.topic,
				"listener", fmt.Sprintf("%T", l),
				"panic", r,
			)
		}
	}()
	w.strategy.Notify(l, event)
}

// admit applies deduplication and returns the listeners for the event.
// On single-listener-per-key wrappers dedup state is only kept for keys
// with a bound listener, so unclaimed keys cost nothing.
func (w *Wrapper[E, L]) admit(key string, event E) ([]L, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var targets []L
	if w.mode == SingleListenerPerKey {
		l, ok := w.byKey[key]
		if !ok {
			return nil, true
		}
		targets = []L{l}
	}

	if w.strategy.Key != nil && w.strategy.Timestamp != nil {
		ts := w.strategy.Timestamp(event)
		if last, ok := w.lastSeen[key]; ok && !ts.After(last) {
			return nil, false
		}
		w.lastSeen[key] = ts
	}

	if w.mode == MultiListener {
		targets = make([]L, 0, len(w.listeners))
		for l := range w.listeners {
			targets = append(targets, l)
		}
	}
	return targets, true
}

// forgetLocked clears the dedup state of a key whose listener went away.
func (w *Wrapper[E, L]) forgetLocked(key string) {
	delete(w.lastSeen, key)
}

func (w *Wrapper[E, L]) describeEvent(event E) string {
	if w.strategy.Describe != nil {
		return w.strategy.Describe(event)
	}
	return fmt.Sprintf("%v", event)
}

func (w *Wrapper[E, L]) describeInFlight(msg transport.Message) string {
	if label := w.current.Load(); label != nil {
		return *label
	}
	return fmt.Sprintf("decoding message on %s", msg.Destination)
}

// Hashable reports whether v can key a listener map. Func adapters and
// structs holding slices satisfy the listener interfaces but panic as map
// keys.
func Hashable(v any) bool {
	t := reflect.TypeOf(v)
	return t == nil || t.Comparable()
}
