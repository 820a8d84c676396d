package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/c2mon/c2mon-sub007/internal/dispatch"
)

// Listener receives slow-consumer notices.
type Listener interface {
	OnSlowConsumer(notice dispatch.SlowConsumer)
}

// BackpressureListener receives queue fill-level crossings.
type BackpressureListener interface {
	OnBackpressure(event dispatch.BackpressureEvent)
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Monitor is the sink for dispatch health notices.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Listeners are invoked on the goroutine that raised the notice and
//     must not block.
type Monitor struct {
	resetAfter time.Duration
	now        func() time.Time

	mu          sync.Mutex
	listeners   map[Listener]struct{}
	bpListeners map[BackpressureListener]struct{}
	notified    bool
	notifiedAt  time.Time
	suppressed  uint64
	logger      Logger
}

// New creates a Monitor.
//
// Parameters:
//   - resetAfter: How long the slow-consumer latch holds once tripped.
//     Zero latches for the lifetime of the Monitor.
func New(resetAfter time.Duration) *Monitor {
	return &Monitor{
		resetAfter:  resetAfter,
		now:         time.Now,
		listeners:   make(map[Listener]struct{}),
		bpListeners: make(map[BackpressureListener]struct{}),
	}
}

// SetLogger sets a logger for suppressed notices and listener panics.
func (m *Monitor) SetLogger(logger Logger) {
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
}

// AddListener registers a health listener. Adding twice is a no-op.
// A listener whose dynamic type is not comparable is ignored with a warning.
func (m *Monitor) AddListener(l Listener) {
	if l == nil || !m.hashable(l) {
		return
	}
	m.mu.Lock()
	m.listeners[l] = struct{}{}
	m.mu.Unlock()
}

// RemoveListener unregisters a health listener.
func (m *Monitor) RemoveListener(l Listener) {
	if !dispatch.Hashable(l) {
		return
	}
	m.mu.Lock()
	delete(m.listeners, l)
	m.mu.Unlock()
}

// AddBackpressureListener registers a backpressure listener.
func (m *Monitor) AddBackpressureListener(l BackpressureListener) {
	if l == nil || !m.hashable(l) {
		return
	}
	m.mu.Lock()
	m.bpListeners[l] = struct{}{}
	m.mu.Unlock()
}

// RemoveBackpressureListener unregisters a backpressure listener.
func (m *Monitor) RemoveBackpressureListener(l BackpressureListener) {
	if !dispatch.Hashable(l) {
		return
	}
	m.mu.Lock()
	delete(m.bpListeners, l)
	m.mu.Unlock()
}

func (m *Monitor) hashable(l any) bool {
	if dispatch.Hashable(l) {
		return true
	}
	m.mu.Lock()
	logger := m.logger
	m.mu.Unlock()
	if logger != nil {
		logger.Warn("ignoring health listener of non-comparable type", "type", fmt.Sprintf("%T", l))
	}
	return false
}

// OnSlowConsumer fans the first notice out to every listener and latches.
// Later notices are dropped until the latch re-arms.
func (m *Monitor) OnSlowConsumer(notice dispatch.SlowConsumer) {
	m.mu.Lock()
	now := m.now()
	if m.notified && (m.resetAfter <= 0 || now.Sub(m.notifiedAt) < m.resetAfter) {
		m.suppressed++
		logger := m.logger
		m.mu.Unlock()
		if logger != nil {
			logger.Warn("slow consumer notice suppressed",
				"queue", notice.Queue,
				"listener", notice.Description,
			)
		}
		return
	}
	m.notified = true
	m.notifiedAt = now

	targets := make([]Listener, 0, len(m.listeners))
	for l := range m.listeners {
		targets = append(targets, l)
	}
	logger := m.logger
	m.mu.Unlock()

	for _, l := range targets {
		safeCall(logger, fmt.Sprintf("%T", l), func() { l.OnSlowConsumer(notice) })
	}
}

// OnBackpressure forwards a fill-level crossing to every backpressure
// listener. It does not latch.
func (m *Monitor) OnBackpressure(event dispatch.BackpressureEvent) {
	m.mu.Lock()
	targets := make([]BackpressureListener, 0, len(m.bpListeners))
	for l := range m.bpListeners {
		targets = append(targets, l)
	}
	logger := m.logger
	m.mu.Unlock()

	for _, l := range targets {
		safeCall(logger, fmt.Sprintf("%T", l), func() { l.OnBackpressure(event) })
	}
}

// Notified reports whether the slow-consumer latch is currently tripped.
func (m *Monitor) Notified() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.notified {
		return false
	}
	return m.resetAfter <= 0 || m.now().Sub(m.notifiedAt) < m.resetAfter
}

// Suppressed returns the number of notices dropped by the latch.
func (m *Monitor) Suppressed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressed
}

// Reset clears the slow-consumer latch.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.notified = false
	m.notifiedAt = time.Time{}
	m.mu.Unlock()
}

func safeCall(logger Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("health listener panic recovered",
				"listener", name,
				"panic", r,
			)
		}
	}()
	fn()
}
