package mqtt

import (
	"context"
	"sync"

	"github.com/c2mon/c2mon-sub007/internal/transport"
)

// replyBuffer is the number of replies held before delivery blocks.
const replyBuffer = 16

// replyChannel collects the replies to one request on its own topic.
type replyChannel struct {
	conn    *connection
	topic   string
	replies chan transport.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func (r *replyChannel) Address() string {
	return r.topic
}

// deliver runs on paho's delivery goroutine. It blocks while the buffer is
// full so that no reply is lost, and gives up once the channel is closed.
func (r *replyChannel) deliver(msg transport.Message) {
	select {
	case r.replies <- msg:
	case <-r.closed:
	case <-r.conn.done:
	}
}

func (r *replyChannel) Receive(ctx context.Context) (transport.Message, error) {
	select {
	case msg := <-r.replies:
		return msg, nil
	case <-r.conn.done:
		return transport.Message{}, transport.ErrClosed
	case <-r.closed:
		return transport.Message{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (r *replyChannel) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.conn.unsubscribe(r.topic)
	})
	return err
}
