package event

import (
	"errors"
	"fmt"
)

// Sentinel errors for the event bus.
var (
	// ErrNilResponder is returned when a nil responder or hook is registered.
	ErrNilResponder = errors.New("responder cannot be nil")

	// ErrInvalidEvent is returned for an event key with an empty name.
	ErrInvalidEvent = errors.New("invalid event name")

	// ErrMismatchedResponder is returned when a responder's payload type
	// differs from the type fixed by the first registration for that name.
	ErrMismatchedResponder = errors.New("responder payload type does not match event")

	// ErrResponderPanic marks a responder that panicked during dispatch.
	ErrResponderPanic = errors.New("responder panicked")
)

// ResponderError wraps an error returned by one responder.
type ResponderError struct {
	Event string
	Index int
	Err   error
}

// Error implements the error interface.
func (e *ResponderError) Error() string {
	return fmt.Sprintf("responder %d for %s: %v", e.Index, e.Event, e.Err)
}

// Unwrap returns the underlying error.
func (e *ResponderError) Unwrap() error {
	return e.Err
}

// PanicError wraps a recovered panic value.
type PanicError struct {
	Event string
	Index int
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("responder %d for %s panicked: %v", e.Index, e.Event, e.Value)
}

// Unwrap lets errors.Is match ErrResponderPanic.
func (e *PanicError) Unwrap() error {
	return ErrResponderPanic
}
