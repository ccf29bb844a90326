package bluelink

import "errors"

// Error taxonomy shared by all packages. Callers classify failures with
// errors.Is; the concrete cause is carried by wrapping.
var (
	// ErrConnection indicates a device connection failed for a reason other
	// than the connection already existing.
	ErrConnection = errors.New("connection failed")

	// ErrConfiguration indicates an operation was requested for an unmanaged
	// device or with an invalid parameter.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrDataRead indicates a native read failure, a receive-buffer overflow
	// or a protocol violation on a notified characteristic.
	ErrDataRead = errors.New("data read failed")
)
