// Package memory provides an in-process broker implementing the transport
// interfaces.
//
// Topic messages are delivered synchronously on the publisher's goroutine,
// so a slow handler blocks the publisher exactly as it would block a real
// broker delivery thread. Queues are buffered point-to-point channels read
// with NextRequest, and replies are sent back with Reply.
//
// The broker also exposes fault hooks (Fail, SetUnavailable,
// SetSubscribeError) used to exercise reconnection paths.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c2mon/c2mon-sub007/internal/transport"
)

// queueBuffer is the number of messages a queue holds before Publish blocks.
const queueBuffer = 1024

// replyBuffer is the number of unread replies a reply channel holds.
const replyBuffer = 64

// Broker is an in-process message broker.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Broker struct {
	mu           sync.Mutex
	subs         map[string]map[*subscription]struct{}
	queues       map[string]chan queued
	replies      map[string]*replyChannel
	conns        map[*connection]struct{}
	unavailable  bool
	subscribeErr error
	connects     int
}

type queued struct {
	msg     transport.Message
	expires time.Time
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[string]map[*subscription]struct{}),
		queues:  make(map[string]chan queued),
		replies: make(map[string]*replyChannel),
		conns:   make(map[*connection]struct{}),
	}
}

// Connect implements transport.Connector.
func (b *Broker) Connect(ctx context.Context) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrConnectionFailed, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unavailable {
		return nil, fmt.Errorf("%w: broker unavailable", transport.ErrConnectionFailed)
	}

	c := &connection{
		broker: b,
		done:   make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	b.connects++
	return c, nil
}

// SetUnavailable makes subsequent Connect calls fail while true.
func (b *Broker) SetUnavailable(unavailable bool) {
	b.mu.Lock()
	b.unavailable = unavailable
	b.mu.Unlock()
}

// SetSubscribeError makes subsequent Subscribe calls fail with err.
// Pass nil to restore normal behaviour.
func (b *Broker) SetSubscribeError(err error) {
	b.mu.Lock()
	b.subscribeErr = err
	b.mu.Unlock()
}

// Fail drops every live connection, as a network failure would.
func (b *Broker) Fail() {
	b.mu.Lock()
	conns := make([]*connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(fmt.Errorf("%w: connection lost", transport.ErrConnectionFailed))
	}
}

// ConnectCount returns how many connections have been established.
func (b *Broker) ConnectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// SubscriberCount returns the number of live consumers on a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// PublishTopic delivers payload to every subscriber of topic, as the server
// side would. It returns once all handlers have returned.
func (b *Broker) PublishTopic(topic string, payload []byte) {
	b.deliver(topic, transport.Message{
		Destination: topic,
		Payload:     payload,
		Timestamp:   time.Now(),
	})
}

// NextRequest waits for the next unexpired message on a queue.
func (b *Broker) NextRequest(ctx context.Context, queue string) (transport.Message, error) {
	ch := b.queue(queue)
	for {
		select {
		case q := <-ch:
			if !q.expires.IsZero() && time.Now().After(q.expires) {
				continue
			}
			return q.msg, nil
		case <-ctx.Done():
			return transport.Message{}, ctx.Err()
		}
	}
}

// Reply sends a reply to an ephemeral reply address.
func (b *Broker) Reply(address string, payload []byte, binary bool) error {
	b.mu.Lock()
	rc, ok := b.replies[address]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no reply channel %q", transport.ErrInvalidDestination, address)
	}

	return rc.put(transport.Message{
		Destination: address,
		Payload:     payload,
		Binary:      binary,
		Timestamp:   time.Now(),
	})
}

func (b *Broker) queue(name string) chan queued {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan queued, queueBuffer)
		b.queues[name] = ch
	}
	return ch
}

// deliver fans msg out to a snapshot of the topic's subscribers without
// holding the broker lock, since handlers may block.
func (b *Broker) deliver(topic string, msg transport.Message) {
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if s.active() {
			s.handler(msg)
		}
	}
}

func (b *Broker) addSubscription(s *subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribeErr != nil {
		return fmt.Errorf("%w: %w", transport.ErrSubscribeFailed, b.subscribeErr)
	}
	set, ok := b.subs[s.topic]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[s.topic] = set
	}
	set[s] = struct{}{}
	return nil
}

func (b *Broker) removeSubscription(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
}

// dropConnection removes every resource owned by c.
func (b *Broker) dropConnection(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.conns, c)
	for topic, set := range b.subs {
		for s := range set {
			if s.conn == c {
				delete(set, s)
			}
		}
		if len(set) == 0 {
			delete(b.subs, topic)
		}
	}
	for addr, rc := range b.replies {
		if rc.conn == c {
			delete(b.replies, addr)
		}
	}
}

// =============================================================================
// Connection
// =============================================================================

type connection struct {
	broker *Broker

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
	c.mu.Unlock()

	c.broker.dropConnection(c)
}

func (c *connection) Subscribe(topic string, handler transport.Handler) (transport.Consumer, error) {
	if topic == "" {
		return nil, transport.ErrInvalidDestination
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", transport.ErrSubscribeFailed)
	}
	if c.isClosed() {
		return nil, transport.ErrClosed
	}

	s := &subscription{conn: c, topic: topic, handler: handler}
	if err := c.broker.addSubscription(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *connection) Publish(ctx context.Context, dest transport.Destination, msg transport.Message, ttl time.Duration) error {
	if dest.Name == "" {
		return transport.ErrInvalidDestination
	}
	if c.isClosed() {
		return transport.ErrClosed
	}

	msg.Destination = dest.Name
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if dest.Kind == transport.KindQueue {
		q := queued{msg: msg}
		if ttl > 0 {
			q.expires = msg.Timestamp.Add(ttl)
		}
		select {
		case c.broker.queue(dest.Name) <- q:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", transport.ErrPublishFailed, ctx.Err())
		case <-c.done:
			return transport.ErrClosed
		}
	}

	c.broker.mu.Lock()
	rc, isReply := c.broker.replies[dest.Name]
	c.broker.mu.Unlock()
	if isReply {
		return rc.put(msg)
	}

	c.broker.deliver(dest.Name, msg)
	return nil
}

func (c *connection) CreateReplyChannel() (transport.ReplyChannel, error) {
	if c.isClosed() {
		return nil, transport.ErrClosed
	}

	rc := &replyChannel{
		conn:    c,
		address: "reply/" + uuid.NewString(),
		msgs:    make(chan transport.Message, replyBuffer),
	}

	c.broker.mu.Lock()
	c.broker.replies[rc.address] = rc
	c.broker.mu.Unlock()
	return rc, nil
}

func (c *connection) Done() <-chan struct{} {
	return c.done
}

func (c *connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *connection) Close() error {
	c.shutdown(transport.ErrClosed)
	return nil
}

// =============================================================================
// Subscription
// =============================================================================

type subscription struct {
	conn    *connection
	topic   string
	handler transport.Handler

	mu     sync.Mutex
	closed bool
}

func (s *subscription) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.conn.isClosed()
}

func (s *subscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.conn.broker.removeSubscription(s)
	return nil
}

// =============================================================================
// Reply channel
// =============================================================================

type replyChannel struct {
	conn    *connection
	address string
	msgs    chan transport.Message
}

func (r *replyChannel) Address() string {
	return r.address
}

func (r *replyChannel) put(msg transport.Message) error {
	select {
	case r.msgs <- msg:
		return nil
	default:
		return fmt.Errorf("%w: reply channel %s full", transport.ErrPublishFailed, r.address)
	}
}

func (r *replyChannel) Receive(ctx context.Context) (transport.Message, error) {
	select {
	case msg := <-r.msgs:
		return msg, nil
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	case <-r.conn.done:
		return transport.Message{}, transport.ErrClosed
	}
}

func (r *replyChannel) Close() error {
	r.conn.broker.mu.Lock()
	delete(r.conn.broker.replies, r.address)
	r.conn.broker.mu.Unlock()
	return nil
}
