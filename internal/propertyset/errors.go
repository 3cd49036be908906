package propertyset

import (
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every ParseError.
var ErrMalformed = errors.New("propertyset: malformed payload")

// ParseError describes why a payload was rejected.
//
// The message never includes payload bytes, so it is safe to log for
// arbitrary device input.
type ParseError struct {
	// Offset is the input offset at which decoding stopped.
	Offset int64

	// Reason is a short description of the failure.
	Reason string

	// Err is the underlying decoder error, if any.
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at offset %d: %s: %v", ErrMalformed, e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s at offset %d: %s", ErrMalformed, e.Offset, e.Reason)
}

// Unwrap allows errors.Is(err, ErrMalformed) and inspection of the decoder error.
func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}
