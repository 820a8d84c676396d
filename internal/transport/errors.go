package transport

import "errors"

// Errors shared by transport implementations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrClosed is returned by operations on a closed or lost connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrConnectionFailed is returned when a connection cannot be established.
	ErrConnectionFailed = errors.New("transport: connection failed")

	// ErrSubscribeFailed is returned when the broker refuses a consumer.
	ErrSubscribeFailed = errors.New("transport: subscribe failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("transport: publish failed")

	// ErrInvalidDestination is returned for an empty topic or queue name.
	ErrInvalidDestination = errors.New("transport: destination cannot be empty")
)
