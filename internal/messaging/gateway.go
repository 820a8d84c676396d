package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c2mon/c2mon-sub007/internal/event"
	"github.com/c2mon/c2mon-sub007/internal/transport"
)

// Reply is the final result of a request.
type Reply struct {
	// Results holds the elements of a text reply.
	Results []json.RawMessage

	// Binary holds the payload of a binary reply. Results is nil then.
	Binary []byte
}

// Gateway sends requests to server queues and collects their replies.
//
// Every request gets its own ephemeral reply destination, so replies need
// no correlation id. The gateway keeps receiving until the final result
// arrives, forwarding progress and error reports on the way.
type Gateway struct {
	manager *Manager
	pending atomic.Int64
}

// NewGateway creates a Gateway on top of m's connection.
func NewGateway(m *Manager) *Gateway {
	return &Gateway{manager: m}
}

// PendingRequests returns the number of requests awaiting a final reply.
func (g *Gateway) PendingRequests() int {
	return int(g.pending.Load())
}

// Request is SendRequest without a report listener.
func (g *Gateway) Request(ctx context.Context, req event.ClientRequest, queue string, timeout time.Duration) (*Reply, error) {
	return g.SendRequest(ctx, req, queue, timeout, nil)
}

// SendRequest publishes req to queue and waits for the final reply.
//
// Parameters:
//   - ctx: Cancels the wait
//   - req: The request to send
//   - queue: Server queue name
//   - timeout: Maximum wait for the connection and for each reply. Zero
//     uses the request's own timeout, then the configured default.
//   - listener: Receives progress and error reports (may be nil)
//
// Returns:
//   - *Reply: The final result
//   - error: ErrNotConnected if no connection comes up within timeout or
//     it drops while waiting, ErrRequestTimeout if no reply arrives in time,
//     ErrMalformedReply for an unreadable reply, ErrShutdown after Stop
func (g *Gateway) SendRequest(ctx context.Context, req event.ClientRequest, queue string, timeout time.Duration, listener ReportListener) (*Reply, error) {
	if queue == "" {
		return nil, fmt.Errorf("%w: queue cannot be empty", ErrInvalidArgument)
	}
	if timeout <= 0 {
		timeout = req.Timeout()
	}
	if timeout <= 0 {
		timeout = g.manager.opts.RequestTimeout
	}

	payload, binary, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	requestID := uuid.NewString()
	logger := g.manager.logger

	var rc transport.ReplyChannel
	err = g.manager.withConnection(ctx, timeout, func(conn transport.Connection) error {
		var err error
		rc, err = conn.CreateReplyChannel()
		if err != nil {
			return fmt.Errorf("creating reply destination: %w", translate(err))
		}
		msg := transport.Message{ReplyTo: rc.Address(), Payload: payload, Binary: binary}
		if err := conn.Publish(ctx, transport.Queue(queue), msg, g.manager.opts.MessageTTL); err != nil {
			return fmt.Errorf("publishing %s request to %s: %w", req.RequestType, queue, translate(err))
		}
		return nil
	})
	if err != nil {
		if rc != nil {
			_ = rc.Close()
		}
		return nil, err
	}
	defer rc.Close()

	g.pending.Add(1)
	defer g.pending.Add(-1)

	logger.Debug("request sent",
		"request_id", requestID,
		"type", req.RequestType,
		"queue", queue,
		"reply_to", rc.Address(),
	)

	for {
		msg, err := g.receive(ctx, rc, timeout)
		if err != nil {
			if errors.Is(err, ErrRequestTimeout) {
				logger.Error("request timed out",
					"request_id", requestID,
					"type", req.RequestType,
					"queue", queue,
					"timeout", timeout,
				)
			}
			return nil, err
		}

		if msg.Binary {
			return &Reply{Binary: msg.Payload}, nil
		}

		reports, results, err := event.ParseReply(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s request: %w", ErrMalformedReply, req.RequestType, err)
		}
		if reports == nil {
			return &Reply{Results: results}, nil
		}
		for _, r := range reports {
			g.forward(listener, r)
		}
	}
}

// receive waits up to timeout for the next reply.
func (g *Gateway) receive(ctx context.Context, rc transport.ReplyChannel, timeout time.Duration) (transport.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(g.manager.ctx, cancel)
	defer stop()

	msg, err := rc.Receive(rctx)
	if err == nil {
		return msg, nil
	}

	switch {
	case g.manager.isShutdown():
		return msg, ErrShutdown
	case errors.Is(err, transport.ErrClosed):
		return msg, fmt.Errorf("%w: connection lost while waiting for reply", ErrNotConnected)
	case ctx.Err() != nil:
		return msg, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return msg, fmt.Errorf("%w: no reply within %v", ErrRequestTimeout, timeout)
	default:
		return msg, translate(err)
	}
}

func (g *Gateway) forward(listener ReportListener, r event.RequestReport) {
	if listener == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			g.manager.logger.Error("report listener panic recovered", "panic", p)
		}
	}()
	if r.Kind == event.ReportError {
		listener.OnErrorReport(r)
		return
	}
	listener.OnProgressReport(r)
}
