package device

import "errors"

// Domain errors for the device package.
var (
	// ErrInvalidSpec is returned when a device specification fails validation.
	ErrInvalidSpec = errors.New("device: invalid spec")

	// ErrUnknownKind is returned when a specification names an unsupported kind.
	ErrUnknownKind = errors.New("device: unknown kind")
)
