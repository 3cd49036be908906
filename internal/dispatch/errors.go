package dispatch

import (
	"errors"
	"fmt"
)

// Domain errors for the dispatch package.
var (
	// ErrQueueFull is returned when a device's queue stays full for the
	// whole enqueue deadline.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatch: closed")

	// ErrListenerTimeout marks a listener abandoned after its deadline.
	ErrListenerTimeout = errors.New("dispatch: listener timed out")

	// ErrListenerPanic marks a listener that panicked.
	ErrListenerPanic = errors.New("dispatch: listener panicked")
)

// ListenerError describes one failed listener invocation. It is logged
// and counted, never returned to the NOTIFY sender.
type ListenerError struct {
	DeviceID string
	Property string

	// Err is the listener's error, ErrListenerTimeout or ErrListenerPanic.
	Err error

	// Panic holds the recovered value when Err is ErrListenerPanic.
	Panic any
}

func (e *ListenerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("dispatch: listener for %s/%s: %v: %v", e.DeviceID, e.Property, e.Err, e.Panic)
	}
	return fmt.Sprintf("dispatch: listener for %s/%s: %v", e.DeviceID, e.Property, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}
