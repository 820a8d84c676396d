package messaging

import (
	"errors"
	"fmt"

	"github.com/c2mon/c2mon-sub007/internal/dispatch"
)

// Errors returned by messaging operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidArgument is returned for nil or non-comparable listeners
	// and empty names.
	ErrInvalidArgument = errors.New("messaging: invalid argument")

	// ErrSubscription is returned when the broker refuses a consumer. The
	// listener stays registered and is resubscribed on the next reconnect.
	ErrSubscription = errors.New("messaging: subscription failed")

	// ErrNotConnected is returned by publish and request operations when no
	// broker connection comes up in time or no connect attempt is running.
	ErrNotConnected = errors.New("messaging: not connected")

	// ErrRequestTimeout is returned when no reply arrives within the
	// request timeout.
	ErrRequestTimeout = errors.New("messaging: request timed out")

	// ErrMalformedReply is returned when a reply cannot be interpreted.
	ErrMalformedReply = errors.New("messaging: malformed reply")

	// ErrShutdown is returned by operations after Stop.
	ErrShutdown = errors.New("messaging: shut down")

	// ErrNotRegistered is returned by ReplaceListener for an unknown listener.
	ErrNotRegistered = errors.New("messaging: listener not registered")
)

var errNilListener = fmt.Errorf("%w: listener cannot be nil", ErrInvalidArgument)

// checkListener rejects listeners that cannot be registered: nil values and
// values whose dynamic type is not comparable.
func checkListener(l any) error {
	if l == nil {
		return errNilListener
	}
	if !dispatch.Hashable(l) {
		return fmt.Errorf("%w: listener type %T is not comparable, register a pointer", ErrInvalidArgument, l)
	}
	return nil
}
