package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/kcounter/internal/device"
	"github.com/danmuck/kcounter/internal/misc"
	"github.com/danmuck/kcounter/internal/transfer"
	"golang.org/x/sys/unix"
)

// ErrnoOf maps a local error onto the errno sent on the wire.
func ErrnoOf(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, device.ErrBusy):
		return unix.EBUSY
	case errors.Is(err, device.ErrNoMemory):
		return unix.ENOMEM
	case errors.Is(err, device.ErrUnsupported):
		return unix.ENOTTY
	case errors.Is(err, transfer.ErrFault):
		return unix.EFAULT
	case errors.Is(err, misc.ErrNoDevice):
		return unix.ENODEV
	case errors.Is(err, misc.ErrBadHandle), errors.Is(err, device.ErrClosed):
		return unix.EBADF
	case errors.Is(err, ErrMalformed):
		return unix.EINVAL
	case errors.Is(err, context.Canceled):
		return unix.EINTR
	case errors.Is(err, context.DeadlineExceeded):
		return unix.ETIMEDOUT
	default:
		return unix.EIO
	}
}

// sentinelFor is the package error a client should match for errno.
func sentinelFor(errno unix.Errno) error {
	switch errno {
	case unix.EBUSY:
		return device.ErrBusy
	case unix.ENOMEM:
		return device.ErrNoMemory
	case unix.ENOTTY:
		return device.ErrUnsupported
	case unix.EFAULT:
		return transfer.ErrFault
	case unix.ENODEV:
		return misc.ErrNoDevice
	case unix.EBADF:
		return misc.ErrBadHandle
	case unix.EINVAL:
		return ErrMalformed
	case unix.EINTR:
		return context.Canceled
	case unix.ETIMEDOUT:
		return context.DeadlineExceeded
	default:
		return nil
	}
}

// RemoteError is a failure reported by the server. It matches both its errno
// and the package sentinel for that errno under errors.Is.
type RemoteError struct {
	Errno   unix.Errno
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Errno.Error())
}

func (e *RemoteError) Unwrap() []error {
	if s := sentinelFor(e.Errno); s != nil {
		return []error{e.Errno, s}
	}
	return []error{e.Errno}
}
