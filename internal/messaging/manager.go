package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2mon/c2mon-sub007/internal/dispatch"
	"github.com/c2mon/c2mon-sub007/internal/event"
	"github.com/c2mon/c2mon-sub007/internal/transport"
)

type tagWrapper = dispatch.Wrapper[event.TagUpdate, TagUpdateListener]

var tagStrategy = dispatch.Strategy[event.TagUpdate, TagUpdateListener]{
	Decode:    event.DecodeTagUpdate,
	Key:       event.TagUpdate.Key,
	Timestamp: event.TagUpdate.Timestamp,
	Notify:    func(l TagUpdateListener, u event.TagUpdate) { l.OnUpdate(u) },
	Describe:  event.TagUpdate.String,
}

// component is a topic consumer, other than the tag wrappers, whose
// subscription the Manager replays on reconnect and stops on shutdown.
type component interface {
	resubscribe(conn transport.Connection) error
	stats() []dispatch.Stats
	stop()
}

// Manager owns the broker connection and the tag-update listener registry.
//
// The connection is established lazily by the first register, request or
// EnsureConnection call. When it fails, the Manager notifies connection
// listeners, reconnects with a constant backoff until it succeeds or Stop
// is called, and replays every registered listener onto the new connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Manager struct {
	connector transport.Connector
	opts      Options
	logger    Logger

	refreshMu sync.RWMutex
	conn      transport.Connection

	registryMu sync.Mutex
	registry   map[TagUpdateListener]TopicRegistration
	wrappers   map[string]*tagWrapper
	consumers  map[string]transport.Consumer
	components []component

	connectMu  sync.Mutex
	connecting atomic.Bool

	stateMu       sync.Mutex
	state         State
	ready         chan struct{}
	readyClosed   bool
	connListeners map[ConnectionListener]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a disconnected Manager. No connection is attempted
// until the first call that needs one.
func NewManager(connector transport.Connector, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		connector:     connector,
		opts:          opts,
		logger:        opts.Logger,
		registry:      make(map[TagUpdateListener]TopicRegistration),
		wrappers:      make(map[string]*tagWrapper),
		consumers:     make(map[string]transport.Consumer),
		ready:         make(chan struct{}),
		connListeners: make(map[ConnectionListener]struct{}),
		ctx:           ctx,
		cancel:        cancel,
		shutdown:      make(chan struct{}),
	}
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// IsConnected reports whether a broker connection is up.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Start begins connecting in the background. It is optional: any operation
// that needs the connection starts it.
func (m *Manager) Start() {
	m.startConnecting()
}

// EnsureConnection starts connecting if needed and blocks until the
// connection is up, Stop is called, or ctx ends.
func (m *Manager) EnsureConnection(ctx context.Context) error {
	m.startConnecting()

	m.stateMu.Lock()
	if m.state == StateShuttingDown {
		m.stateMu.Unlock()
		return ErrShutdown
	}
	ready := m.ready
	m.stateMu.Unlock()

	select {
	case <-ready:
		return nil
	case <-m.shutdown:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Tag-update listeners
// =============================================================================

// RegisterUpdateListener binds listener to reg.Key on reg.Topic.
//
// A listener already registered under the same registration is left alone.
// On a single-listener-per-key topic the listener replaces whichever
// listener held the key before, and that listener is forgotten.
//
// Returns:
//   - nil: listener registered (and subscribed, if connected)
//   - ErrInvalidArgument: nil or non-comparable listener, or empty topic
//   - ErrSubscription: the broker refused the consumer; the listener is
//     recorded and will be subscribed on the next reconnect
//   - ErrShutdown: the Manager has been stopped
func (m *Manager) RegisterUpdateListener(listener TagUpdateListener, reg TopicRegistration) error {
	if err := checkListener(listener); err != nil {
		return err
	}
	if reg.Topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidArgument)
	}
	if m.isShutdown() {
		return ErrShutdown
	}
	m.startConnecting()

	m.refreshMu.RLock()
	defer m.refreshMu.RUnlock()
	m.registryMu.Lock()
	defer m.registryMu.Unlock()

	if cur, ok := m.registry[listener]; ok {
		if cur == reg {
			return m.ensureSubscribedLocked(reg.Topic)
		}
		m.detachLocked(listener, cur.Topic)
	}

	w, ok := m.wrappers[reg.Topic]
	if !ok {
		w = dispatch.NewWrapper(reg.Topic, dispatch.SingleListenerPerKey, tagStrategy, m.opts.queueOptions(reg.Topic, true))
		w.Start()
		m.wrappers[reg.Topic] = w
	}

	if prev, replaced := w.Add(reg.Key, listener); replaced {
		delete(m.registry, prev)
		m.logger.Debug("tag listener replaced",
			"topic", reg.Topic,
			"key", reg.Key,
		)
	}
	m.registry[listener] = reg

	return m.ensureSubscribedLocked(reg.Topic)
}

// UnregisterUpdateListener removes listener. When it was the last listener
// on its topic the broker consumer is closed and the wrapper discarded.
// Unknown listeners are ignored.
func (m *Manager) UnregisterUpdateListener(listener TagUpdateListener) error {
	if err := checkListener(listener); err != nil {
		return err
	}

	m.refreshMu.RLock()
	defer m.refreshMu.RUnlock()
	m.registryMu.Lock()
	defer m.registryMu.Unlock()

	reg, ok := m.registry[listener]
	if !ok {
		return nil
	}
	delete(m.registry, listener)
	m.detachLocked(listener, reg.Topic)
	return nil
}

// ReplaceListener hands old's registration to replacement without touching
// the broker subscription.
func (m *Manager) ReplaceListener(old, replacement TagUpdateListener) error {
	if err := checkListener(old); err != nil {
		return err
	}
	if err := checkListener(replacement); err != nil {
		return err
	}

	m.refreshMu.RLock()
	defer m.refreshMu.RUnlock()
	m.registryMu.Lock()
	defer m.registryMu.Unlock()

	reg, ok := m.registry[old]
	if !ok {
		return ErrNotRegistered
	}
	if old == replacement {
		return nil
	}
	if cur, ok := m.registry[replacement]; ok {
		delete(m.registry, replacement)
		m.detachLocked(replacement, cur.Topic)
	}

	if w, ok := m.wrappers[reg.Topic]; ok {
		w.Replace(old, replacement)
	}
	delete(m.registry, old)
	m.registry[replacement] = reg
	return nil
}

// IsRegisteredListener reports whether listener is registered.
func (m *Manager) IsRegisteredListener(listener TagUpdateListener) bool {
	if !dispatch.Hashable(listener) {
		return false
	}
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	_, ok := m.registry[listener]
	return ok
}

// Registration returns the registration of listener.
func (m *Manager) Registration(listener TagUpdateListener) (TopicRegistration, bool) {
	if !dispatch.Hashable(listener) {
		return TopicRegistration{}, false
	}
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	reg, ok := m.registry[listener]
	return reg, ok
}

// ensureSubscribedLocked creates the consumer for topic if connected and
// none exists. Callers hold refreshMu (shared) and registryMu.
func (m *Manager) ensureSubscribedLocked(topic string) error {
	if m.conn == nil {
		return nil
	}
	if _, ok := m.consumers[topic]; ok {
		return nil
	}
	w, ok := m.wrappers[topic]
	if !ok {
		return nil
	}

	c, err := m.conn.Subscribe(topic, w.OnMessage)
	if err != nil {
		m.logger.Warn("topic subscription failed, will retry on reconnect",
			"topic", topic,
			"error", err,
		)
		return fmt.Errorf("%w: topic %s: %w", ErrSubscription, topic, err)
	}
	m.consumers[topic] = c
	return nil
}

// detachLocked unbinds listener from topic and tears the topic down when
// it has no listeners left. Callers hold refreshMu (shared) and registryMu.
func (m *Manager) detachLocked(listener TagUpdateListener, topic string) {
	w, ok := m.wrappers[topic]
	if !ok {
		return
	}
	w.Remove(listener)
	if !w.IsEmpty() {
		return
	}

	delete(m.wrappers, topic)
	if c, ok := m.consumers[topic]; ok {
		delete(m.consumers, topic)
		m.closeConsumer(topic, c)
	}
	// The last listener may be unregistering from its own callback, so
	// the worker is signalled rather than waited for.
	w.Close()
}

// closeConsumer closes a consumer. A failed unsubscribe leaves the broker
// in an unknown state, so it forces a reconnect that rebuilds every
// subscription from the registry. Callers hold refreshMu (shared).
func (m *Manager) closeConsumer(topic string, c transport.Consumer) {
	if err := c.Close(); err != nil {
		m.logger.Warn("unsubscribe failed, refreshing connection",
			"topic", topic,
			"error", err,
		)
		m.refreshConnection(m.conn)
	}
}

// refreshConnection closes conn in the background. The connection watcher
// then reconnects and replays the registry.
func (m *Manager) refreshConnection(conn transport.Connection) {
	if conn == nil {
		return
	}
	m.goTracked(func() {
		_ = conn.Close()
	})
}

// =============================================================================
// Connection listeners
// =============================================================================

// RegisterConnectionListener adds l and immediately tells it the current
// connection state. It also starts connecting if needed.
func (m *Manager) RegisterConnectionListener(l ConnectionListener) error {
	if err := checkListener(l); err != nil {
		return err
	}

	m.stateMu.Lock()
	if m.state == StateShuttingDown {
		m.stateMu.Unlock()
		return ErrShutdown
	}
	m.connListeners[l] = struct{}{}
	connected := m.state == StateConnected
	m.stateMu.Unlock()

	m.notifyListener(l, connected)
	m.startConnecting()
	return nil
}

// UnregisterConnectionListener removes l.
func (m *Manager) UnregisterConnectionListener(l ConnectionListener) {
	if !dispatch.Hashable(l) {
		return
	}
	m.stateMu.Lock()
	delete(m.connListeners, l)
	m.stateMu.Unlock()
}

func (m *Manager) notifyListener(l ConnectionListener, connected bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connection listener panic recovered",
				"listener", fmt.Sprintf("%T", l),
				"panic", r,
			)
		}
	}()
	if connected {
		l.OnConnection()
	} else {
		l.OnDisconnection()
	}
}

// =============================================================================
// Publishing
// =============================================================================

// Publish sends payload to topic without waiting for anyone to receive it.
// Nothing is queued while disconnected: a missing connection is started
// and waited for up to the connect timeout.
func (m *Manager) Publish(ctx context.Context, payload []byte, topic string, ttl time.Duration) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidArgument)
	}
	return m.withConnection(ctx, m.opts.ConnectTimeout, func(conn transport.Connection) error {
		err := conn.Publish(ctx, transport.Topic(topic), transport.Message{Payload: payload}, ttl)
		if err != nil {
			return fmt.Errorf("publishing to %s: %w", topic, translate(err))
		}
		return nil
	})
}

// withConnection runs fn with the current connection under the shared
// refresh lock. Without a connection it starts connecting and waits up to
// wait for the attempt first; the wait happens outside the lock because
// the attempt needs it to install the connection.
func (m *Manager) withConnection(ctx context.Context, wait time.Duration, fn func(conn transport.Connection) error) error {
	if err := m.awaitConnection(ctx, wait); err != nil {
		return err
	}

	m.refreshMu.RLock()
	defer m.refreshMu.RUnlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	return fn(m.conn)
}

// awaitConnection returns once the Manager is connected. ErrNotConnected
// means no connect attempt is running or none succeeded within wait.
func (m *Manager) awaitConnection(ctx context.Context, wait time.Duration) error {
	var expired <-chan time.Time
	for {
		if m.isShutdown() {
			return ErrShutdown
		}
		m.startConnecting()

		m.stateMu.Lock()
		state, ready := m.state, m.ready
		m.stateMu.Unlock()

		switch {
		case state == StateConnected:
			return nil
		case state == StateShuttingDown:
			return ErrShutdown
		case !m.connecting.Load():
			return fmt.Errorf("%w: no connection attempt in progress", ErrNotConnected)
		}

		if expired == nil {
			if wait <= 0 {
				return ErrNotConnected
			}
			timer := time.NewTimer(wait)
			defer timer.Stop()
			expired = timer.C
		}

		select {
		case <-ready:
		case <-m.shutdown:
			return ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			return fmt.Errorf("%w: no connection within %v", ErrNotConnected, wait)
		}
	}
}

// translate maps transport faults onto the caller-facing errors.
func translate(err error) error {
	if errors.Is(err, transport.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return err
}

// =============================================================================
// Diagnostics
// =============================================================================

// QueueSizes returns the current depth of every dispatch queue by topic.
func (m *Manager) QueueSizes() map[string]int {
	stats := m.Stats()
	sizes := make(map[string]int, len(stats))
	for _, s := range stats {
		sizes[s.Name] = s.Size
	}
	return sizes
}

// Stats returns the counters of every dispatch queue.
func (m *Manager) Stats() []dispatch.Stats {
	m.registryMu.Lock()
	wrappers := make([]*tagWrapper, 0, len(m.wrappers))
	for _, w := range m.wrappers {
		wrappers = append(wrappers, w)
	}
	components := append([]component(nil), m.components...)
	m.registryMu.Unlock()

	stats := make([]dispatch.Stats, 0, len(wrappers)+len(components))
	for _, w := range wrappers {
		stats = append(stats, w.Stats())
	}
	for _, c := range components {
		stats = append(stats, c.stats()...)
	}
	return stats
}

// =============================================================================
// Connection lifecycle
// =============================================================================

func (m *Manager) isShutdown() bool {
	select {
	case <-m.shutdown:
		return true
	default:
		return false
	}
}

// attach adds a component to the replay and shutdown sets.
func (m *Manager) attach(c component) {
	m.registryMu.Lock()
	m.components = append(m.components, c)
	m.registryMu.Unlock()
}

// goTracked runs fn on a goroutine that Stop waits for. It does nothing
// once shutdown has begun.
func (m *Manager) goTracked(fn func()) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.state == StateShuttingDown {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// startConnecting launches the connect loop unless one is already running
// or the connection is up. Concurrent triggers coalesce.
func (m *Manager) startConnecting() {
	if m.State() == StateConnected {
		return
	}
	if !m.connecting.CompareAndSwap(false, true) {
		return
	}
	if !m.goTracked(m.connectLoop) {
		m.connecting.Store(false)
	}
}

// connectLoop retries until a connection is up and replayed, or shutdown.
func (m *Manager) connectLoop() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	failures := 0
	for {
		if m.isShutdown() || m.State() == StateConnected {
			m.connecting.Store(false)
			return
		}

		m.setState(StateConnecting)
		conn, err := m.connectOnce()
		if err == nil {
			m.onConnected(conn, failures)
			return
		}

		failures++
		m.logConnectFailure(err, failures)
		m.setDisconnected()

		timer := time.NewTimer(m.opts.ReconnectBackoff)
		select {
		case <-timer.C:
		case <-m.shutdown:
			timer.Stop()
			m.connecting.Store(false)
			return
		}
	}
}

// connectOnce opens a connection and replays the registry onto it.
func (m *Manager) connectOnce() (transport.Connection, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, err := m.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.refresh(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// refresh re-creates every subscription on conn and installs it as the
// current connection. It holds the refresh lock exclusively, so no caller
// sees a half-rebuilt subscription set.
func (m *Manager) refresh(conn transport.Connection) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	m.registryMu.Lock()
	defer m.registryMu.Unlock()

	if m.isShutdown() {
		return ErrShutdown
	}

	consumers := make(map[string]transport.Consumer, len(m.wrappers))
	for topic, w := range m.wrappers {
		c, err := conn.Subscribe(topic, w.OnMessage)
		if err != nil {
			for _, created := range consumers {
				_ = created.Close()
			}
			return fmt.Errorf("%w: resubscribing %s: %w", ErrSubscription, topic, err)
		}
		consumers[topic] = c
	}
	for _, comp := range m.components {
		if err := comp.resubscribe(conn); err != nil {
			for _, created := range consumers {
				_ = created.Close()
			}
			return err
		}
	}

	// Consumers of the previous connection died with it.
	m.consumers = consumers
	m.conn = conn
	m.logger.Debug("subscriptions replayed",
		"topics", len(consumers),
		"listeners", len(m.registry),
	)
	return nil
}

func (m *Manager) onConnected(conn transport.Connection, failures int) {
	m.stateMu.Lock()
	if m.state == StateShuttingDown {
		m.stateMu.Unlock()
		m.connecting.Store(false)
		return
	}
	m.state = StateConnected
	if !m.readyClosed {
		close(m.ready)
		m.readyClosed = true
	}
	listeners := m.snapshotListenersLocked()
	m.stateMu.Unlock()

	if failures > 0 {
		m.logger.Info("broker connection re-established", "failed_attempts", failures)
	} else {
		m.logger.Info("broker connection established")
	}

	for _, l := range listeners {
		m.notifyListener(l, true)
	}

	m.connecting.Store(false)
	m.goTracked(func() { m.watch(conn) })
}

// watch waits for conn to fail and starts reconnecting.
func (m *Manager) watch(conn transport.Connection) {
	select {
	case <-conn.Done():
	case <-m.shutdown:
		return
	}

	m.logger.Warn("broker connection lost", "error", conn.Err())

	m.refreshMu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.refreshMu.Unlock()

	m.setDisconnected()
	m.startConnecting()
}

func (m *Manager) logConnectFailure(err error, failures int) {
	n := m.opts.AlertAfterFailures
	if n > 0 && failures%n == 0 {
		m.logger.Error("broker still unreachable",
			"failed_attempts", failures,
			"retry_in", m.opts.ReconnectBackoff,
			"error", err,
		)
		return
	}
	m.logger.Warn("broker connection attempt failed",
		"attempt", failures,
		"retry_in", m.opts.ReconnectBackoff,
		"error", err,
	)
}

// setState moves to s unless the Manager is shutting down.
func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	if m.state != StateShuttingDown {
		m.state = s
	}
	m.stateMu.Unlock()
}

// setDisconnected records the loss of the connection and, if it had been
// up, tells the connection listeners.
func (m *Manager) setDisconnected() {
	m.stateMu.Lock()
	if m.state == StateShuttingDown {
		m.stateMu.Unlock()
		return
	}
	wasConnected := m.state == StateConnected
	m.state = StateDisconnected
	if m.readyClosed {
		m.ready = make(chan struct{})
		m.readyClosed = false
	}
	var listeners []ConnectionListener
	if wasConnected {
		listeners = m.snapshotListenersLocked()
	}
	m.stateMu.Unlock()

	for _, l := range listeners {
		m.notifyListener(l, false)
	}
}

func (m *Manager) snapshotListenersLocked() []ConnectionListener {
	out := make([]ConnectionListener, 0, len(m.connListeners))
	for l := range m.connListeners {
		out = append(out, l)
	}
	return out
}

// Stop disconnects, stops every dispatch worker and enters the terminal
// ShuttingDown state. Connection listeners are dropped without being
// notified. Dispatches in progress are not interrupted; Stop waits for
// them until ctx ends.
func (m *Manager) Stop(ctx context.Context) error {
	m.stateMu.Lock()
	if m.state == StateShuttingDown {
		m.stateMu.Unlock()
		return nil
	}
	m.state = StateShuttingDown
	m.connListeners = make(map[ConnectionListener]struct{})
	m.stateMu.Unlock()

	close(m.shutdown)
	m.cancel()

	m.refreshMu.Lock()
	conn := m.conn
	m.conn = nil
	m.refreshMu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Warn("closing broker connection", "error", err)
		}
	}

	m.registryMu.Lock()
	wrappers := make([]*tagWrapper, 0, len(m.wrappers))
	for _, w := range m.wrappers {
		wrappers = append(wrappers, w)
	}
	components := append([]component(nil), m.components...)
	m.wrappers = make(map[string]*tagWrapper)
	m.consumers = make(map[string]transport.Consumer)
	m.registry = make(map[TagUpdateListener]TopicRegistration)
	m.registryMu.Unlock()

	for _, w := range wrappers {
		w.Close()
	}

	done := make(chan struct{})
	go func() {
		for _, w := range wrappers {
			w.Stop()
		}
		for _, c := range components {
			c.stop()
		}
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("messaging core stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping messaging core: %w", ctx.Err())
	}
}
