package messaging

import (
	"fmt"
	"sync"

	"github.com/c2mon/c2mon-sub007/internal/dispatch"
	"github.com/c2mon/c2mon-sub007/internal/transport"
)

// channel is a shared multi-listener topic (heartbeat, supervision,
// broadcast, alarm). It subscribes when its first listener arrives and
// unsubscribes when the last one leaves.
type channel[E any, L comparable] struct {
	m        *Manager
	topic    string
	strategy dispatch.Strategy[E, L]
	highRate bool

	mu       sync.Mutex
	wrapper  *dispatch.Wrapper[E, L]
	consumer transport.Consumer
}

func newChannel[E any, L comparable](m *Manager, topic string, strategy dispatch.Strategy[E, L], highRate bool) *channel[E, L] {
	c := &channel[E, L]{
		m:        m,
		topic:    topic,
		strategy: strategy,
		highRate: highRate,
	}
	m.attach(c)
	return c
}

func (c *channel[E, L]) add(l L) error {
	if c.topic == "" {
		return fmt.Errorf("%w: channel topic not configured", ErrInvalidArgument)
	}
	if c.m.isShutdown() {
		return ErrShutdown
	}
	c.m.startConnecting()

	c.m.refreshMu.RLock()
	defer c.m.refreshMu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wrapper == nil {
		c.wrapper = dispatch.NewWrapper(c.topic, dispatch.MultiListener, c.strategy, c.m.opts.queueOptions(c.topic, c.highRate))
		c.wrapper.Start()
	}
	c.wrapper.Add("", l)

	if c.m.conn == nil || c.consumer != nil {
		return nil
	}
	consumer, err := c.m.conn.Subscribe(c.topic, c.wrapper.OnMessage)
	if err != nil {
		c.m.logger.Warn("channel subscription failed, will retry on reconnect",
			"topic", c.topic,
			"error", err,
		)
		return fmt.Errorf("%w: topic %s: %w", ErrSubscription, c.topic, err)
	}
	c.consumer = consumer
	return nil
}

func (c *channel[E, L]) remove(l L) {
	if !dispatch.Hashable(l) {
		return
	}
	c.m.refreshMu.RLock()
	defer c.m.refreshMu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wrapper == nil || !c.wrapper.Remove(l) || !c.wrapper.IsEmpty() {
		return
	}

	if c.consumer != nil {
		c.m.closeConsumer(c.topic, c.consumer)
		c.consumer = nil
	}
	c.wrapper.Close()
	c.wrapper = nil
}

func (c *channel[E, L]) has(l L) bool {
	if !dispatch.Hashable(l) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wrapper != nil && c.wrapper.Has(l)
}

// resubscribe is called by the Manager during a refresh.
func (c *channel[E, L]) resubscribe(conn transport.Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consumer = nil
	if c.wrapper == nil {
		return nil
	}
	consumer, err := conn.Subscribe(c.topic, c.wrapper.OnMessage)
	if err != nil {
		return fmt.Errorf("%w: resubscribing %s: %w", ErrSubscription, c.topic, err)
	}
	c.consumer = consumer
	return nil
}

func (c *channel[E, L]) stats() []dispatch.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wrapper == nil {
		return nil
	}
	return []dispatch.Stats{c.wrapper.Stats()}
}

func (c *channel[E, L]) stop() {
	c.mu.Lock()
	w := c.wrapper
	c.wrapper = nil
	c.consumer = nil
	c.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}
