package hook

import "errors"

// Hook dispatch errors.
var (
	// ErrUnknownEvent is returned when registering against an event type
	// outside the closed set.
	ErrUnknownEvent = errors.New("unknown hook event type")

	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("hook handler is nil")
)
