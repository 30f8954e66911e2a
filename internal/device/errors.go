package device

import "errors"

var (
	ErrBusy        = errors.New("device: busy")
	ErrNoMemory    = errors.New("device: cannot allocate memory")
	ErrUnsupported = errors.New("device: unsupported request")
	ErrClosed      = errors.New("device: session closed")
	ErrNotHeld     = errors.New("device: guard not held")
)
