package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/c2mon/c2mon-sub007/internal/transport"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Connector creates paho-backed connections.
//
// Thread Safety:
//   - Connect may be called concurrently; every call yields an
//     independent client.
type Connector struct {
	opts   Options
	topics Topics
	logger Logger
	now    func() time.Time
}

// NewConnector creates a Connector. A nil logger discards log output.
func NewConnector(opts Options, logger Logger) *Connector {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Connector{opts: opts, logger: logger, now: time.Now}
}

// Connect establishes a new connection to the broker.
//
// Parameters:
//   - ctx: Cancels the attempt. The attempt is also bounded by the
//     configured connect timeout.
//
// Returns:
//   - transport.Connection: Live connection
//   - error: wrapped transport.ErrConnectionFailed if the broker cannot
//     be reached or refuses the client
func (c *Connector) Connect(ctx context.Context) (transport.Connection, error) {
	o, err := c.opts.withDefaults()
	if err != nil {
		return nil, err
	}

	conn := &connection{
		qos:      o.QoS,
		clientID: o.ClientID,
		topics:   Topics{QueuePrefix: o.QueuePrefix, ReplyPrefix: o.ReplyPrefix},
		logger:   c.logger,
		now:      c.now,
		done:     make(chan struct{}),
	}

	opts := buildClientOptions(o)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		conn.lost(err)
	})
	conn.client = pahomqtt.NewClient(opts)

	if err := wait(ctx, conn.client.Connect(), o.ConnectTimeout); err != nil {
		conn.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s:%d: %w", transport.ErrConnectionFailed, o.Host, o.Port, err)
	}
	return conn, nil
}

// connection is one paho client. It is discarded once lost.
type connection struct {
	client   pahomqtt.Client
	qos      byte
	clientID string
	topics   Topics
	logger   Logger
	now      func() time.Time

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (c *connection) Done() <-chan struct{} {
	return c.done
}

func (c *connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close disconnects gracefully. Safe to call more than once.
func (c *connection) Close() error {
	if c.finish(transport.ErrClosed) {
		c.client.Disconnect(defaultDisconnectQuiesce)
	}
	return nil
}

// lost is paho's connection-lost callback.
func (c *connection) lost(err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	if c.finish(fmt.Errorf("%w: %w", transport.ErrClosed, err)) {
		c.logger.Warn("MQTT connection lost", "client_id", c.clientID, "error", err)
	}
}

// finish records why the connection ended and closes done. It reports
// whether this call was the first.
func (c *connection) finish(err error) bool {
	first := false
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		first = true
	})
	return first
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Subscribe creates a consumer on an MQTT topic. handler runs on paho's
// delivery goroutine; while it blocks, later messages wait.
func (c *connection) Subscribe(topic string, handler transport.Handler) (transport.Consumer, error) {
	if topic == "" {
		return nil, transport.ErrInvalidDestination
	}
	if c.closed() {
		return nil, transport.ErrClosed
	}

	token := c.client.Subscribe(topic, c.qos, c.wrapHandler(handler))
	if err := wait(context.Background(), token, defaultOperationTimeout); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", transport.ErrSubscribeFailed, topic, err)
	}
	return &consumer{conn: c, topic: topic}, nil
}

// Publish wraps msg in an envelope and publishes it to dest.
func (c *connection) Publish(ctx context.Context, dest transport.Destination, msg transport.Message, ttl time.Duration) error {
	if dest.Name == "" {
		return transport.ErrInvalidDestination
	}
	if c.closed() {
		return transport.ErrClosed
	}

	data, err := encodeEnvelope(msg, ttl, c.now())
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrPublishFailed, err)
	}

	topic := c.topics.Destination(dest)
	if err := wait(ctx, c.client.Publish(topic, c.qos, false, data), defaultOperationTimeout); err != nil {
		if c.closed() {
			return transport.ErrClosed
		}
		return fmt.Errorf("%w: %s: %w", transport.ErrPublishFailed, topic, err)
	}
	return nil
}

// CreateReplyChannel subscribes to a fresh exclusive reply topic.
func (c *connection) CreateReplyChannel() (transport.ReplyChannel, error) {
	if c.closed() {
		return nil, transport.ErrClosed
	}

	rc := &replyChannel{
		conn:    c,
		topic:   c.topics.Reply(c.clientID, uuid.NewString()),
		replies: make(chan transport.Message, replyBuffer),
		closed:  make(chan struct{}),
	}
	token := c.client.Subscribe(rc.topic, c.qos, c.wrapHandler(rc.deliver))
	if err := wait(context.Background(), token, defaultOperationTimeout); err != nil {
		return nil, fmt.Errorf("%w: reply topic %s: %w", transport.ErrSubscribeFailed, rc.topic, err)
	}
	return rc, nil
}

func (c *connection) unsubscribe(topic string) error {
	if c.closed() {
		return nil
	}
	if err := wait(context.Background(), c.client.Unsubscribe(topic), defaultOperationTimeout); err != nil {
		return fmt.Errorf("mqtt: unsubscribe %s: %w", topic, err)
	}
	return nil
}

// wrapHandler decodes the envelope, drops expired messages and recovers
// handler panics.
func (c *connection) wrapHandler(handler transport.Handler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("MQTT handler panic recovered",
					"topic", m.Topic(),
					"panic", r,
				)
			}
		}()

		env, msg, err := decodeEnvelope(m.Topic(), m.Payload())
		if err != nil {
			c.logger.Warn("MQTT message dropped", "topic", m.Topic(), "error", err)
			return
		}
		if env.expired(c.now()) {
			c.logger.Warn("expired MQTT message dropped",
				"topic", m.Topic(),
				"expired_at", time.UnixMilli(env.ExpiresAt),
			)
			return
		}
		handler(msg)
	}
}

type consumer struct {
	conn  *connection
	topic string
	once  sync.Once
	err   error
}

func (s *consumer) Close() error {
	s.once.Do(func() {
		s.err = s.conn.unsubscribe(s.topic)
	})
	return s.err
}

// wait blocks until token completes, ctx ends or timeout elapses.
func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}
