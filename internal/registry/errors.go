package registry

import "errors"

// Domain errors for the registry package.
var (
	// ErrNotRunning is the lifecycle error returned by operations called
	// before Start or after Stop.
	ErrNotRunning = errors.New("registry: not running")

	// ErrNotRegistered is returned when unregistering an unknown device.
	ErrNotRegistered = errors.New("registry: device not registered")

	// ErrInvalidDevice is returned for a nil device, an empty ID or a
	// device without event services.
	ErrInvalidDevice = errors.New("registry: invalid device")

	// ErrDeviceConflict is returned when a different device is registered
	// under an ID already in use.
	ErrDeviceConflict = errors.New("registry: device id already registered")
)
