package transport

import (
	"context"
	"time"
)

// Kind distinguishes broadcast topics from point-to-point queues.
type Kind int

const (
	// KindTopic is a many-listener broadcast channel.
	KindTopic Kind = iota

	// KindQueue is a point-to-point channel consumed by at most one receiver.
	KindQueue
)

// String returns the human-readable kind.
func (k Kind) String() string {
	switch k {
	case KindTopic:
		return "topic"
	case KindQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// Destination is a named topic or queue.
type Destination struct {
	Name string
	Kind Kind
}

// Topic returns a topic destination.
func Topic(name string) Destination {
	return Destination{Name: name, Kind: KindTopic}
}

// Queue returns a queue destination.
func Queue(name string) Destination {
	return Destination{Name: name, Kind: KindQueue}
}

// String returns "kind:name".
func (d Destination) String() string {
	return d.Kind.String() + ":" + d.Name
}

// Message is a single payload moving through the broker.
type Message struct {
	// Destination is the topic, queue or reply address the message arrived on.
	Destination string

	// ReplyTo is the reply address for request messages. Empty otherwise.
	ReplyTo string

	// Payload is the encoded body. Text (JSON) unless Binary is set.
	Payload []byte

	// Binary marks an opaque binary payload.
	Binary bool

	// Timestamp is the broker-side send time.
	Timestamp time.Time
}

// Handler receives topic messages on the broker delivery goroutine.
// It may block; doing so applies backpressure to the broker.
type Handler func(msg Message)

// Consumer is a live topic subscription.
type Consumer interface {
	// Close removes the subscription at the broker.
	Close() error
}

// ReplyChannel is an ephemeral, exclusive destination for the replies to
// one request.
type ReplyChannel interface {
	// Address is the value to put in Message.ReplyTo.
	Address() string

	// Receive blocks until a reply arrives, ctx ends, or the connection fails.
	// A failed connection yields ErrClosed.
	Receive(ctx context.Context) (Message, error)

	// Close releases the destination.
	Close() error
}

// Connection is one physical broker connection.
type Connection interface {
	// Subscribe creates a consumer on a topic.
	Subscribe(topic string, handler Handler) (Consumer, error)

	// Publish sends msg to dest. A positive ttl lets the broker discard
	// the message once it is older than ttl.
	Publish(ctx context.Context, dest Destination, msg Message, ttl time.Duration) error

	// CreateReplyChannel allocates an ephemeral reply destination.
	CreateReplyChannel() (ReplyChannel, error)

	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}

	// Err reports why Done was closed. Nil while the connection is alive.
	Err() error

	// Close disconnects. Safe to call more than once.
	Close() error
}

// Connector creates physical connections.
type Connector interface {
	Connect(ctx context.Context) (Connection, error)
}
