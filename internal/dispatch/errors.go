package dispatch

import "errors"

// Errors returned by dispatch operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrQueueFull is returned when an offer times out on a full queue.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrStopped is returned when offering to a stopped queue.
	ErrStopped = errors.New("dispatch: queue stopped")

	// ErrMalformedEvent marks a payload that could not be converted.
	// The worker logs it and drops the single event.
	ErrMalformedEvent = errors.New("dispatch: malformed event")
)
