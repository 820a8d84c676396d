package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Connection, publish and subscribe failures wrap the transport sentinels
// (transport.ErrConnectionFailed and friends) so callers need not import
// this package to classify them.
var (
	// ErrInvalidQoS is returned when an invalid QoS level is configured.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrPayloadTooLarge is returned when an encoded envelope exceeds the
	// maximum payload size.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	// ErrTimeout is returned when the broker does not acknowledge an
	// operation in time.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrEnvelope is returned for a message that is not a valid envelope.
	ErrEnvelope = errors.New("mqtt: invalid envelope")
)
