package mqtt

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/c2mon/c2mon-sub007/internal/transport"
)

// envelope is the wire form of every message. MQTT 3.1.1 has no message
// properties, so reply address, binary flag and expiry travel here.
type envelope struct {
	ReplyTo   string `msgpack:"reply_to,omitempty"`
	Binary    bool   `msgpack:"binary,omitempty"`
	SentAt    int64  `msgpack:"sent_at"`
	ExpiresAt int64  `msgpack:"expires_at,omitempty"`
	Payload   []byte `msgpack:"payload"`
}

// encodeEnvelope wraps msg. A positive ttl sets the expiry relative to now.
func encodeEnvelope(msg transport.Message, ttl time.Duration, now time.Time) ([]byte, error) {
	env := envelope{
		ReplyTo: msg.ReplyTo,
		Binary:  msg.Binary,
		SentAt:  now.UnixMilli(),
		Payload: msg.Payload,
	}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl).UnixMilli()
	}

	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvelope, err)
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(data), maxPayloadSize)
	}
	return data, nil
}

// decodeEnvelope unwraps a message received on topic.
func decodeEnvelope(topic string, data []byte) (envelope, transport.Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return env, transport.Message{}, fmt.Errorf("%w on %s: %w", ErrEnvelope, topic, err)
	}
	return env, transport.Message{
		Destination: topic,
		ReplyTo:     env.ReplyTo,
		Payload:     env.Payload,
		Binary:      env.Binary,
		Timestamp:   time.UnixMilli(env.SentAt),
	}, nil
}

// expired reports whether the envelope's expiry has passed at now.
func (e envelope) expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixMilli() > e.ExpiresAt
}
