package subscription

import (
	"errors"
	"fmt"
)

// Domain errors for the subscription package.
var (
	// ErrNotFound is returned when a SID does not resolve to a live subscription.
	ErrNotFound = errors.New("subscription: unknown subscription id")

	// ErrPreconditionFailed is returned by a transport when the device no
	// longer knows the subscription being renewed (HTTP 412).
	ErrPreconditionFailed = errors.New("subscription: precondition failed")

	// ErrSchedulerStarted is returned when Start is called twice.
	ErrSchedulerStarted = errors.New("subscription: scheduler already started")

	// errEntryRemoved stops the retry loop when an entry disappears mid-renewal.
	errEntryRemoved = errors.New("subscription: entry removed during renewal")
)

// TransportError describes a failed outbound subscription request.
type TransportError struct {
	// Op is the request kind: "subscribe", "renew" or "unsubscribe".
	Op string

	// URL is the device event subscription URL.
	URL string

	// Status is the HTTP status code, or 0 if no response was received.
	Status int

	// Err is the underlying cause.
	Err error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		if e.Err != nil {
			return fmt.Sprintf("subscription: %s %s: status %d: %v", e.Op, e.URL, e.Status, e.Err)
		}
		return fmt.Sprintf("subscription: %s %s: status %d", e.Op, e.URL, e.Status)
	}
	return fmt.Sprintf("subscription: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
