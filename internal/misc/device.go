package misc

import (
	"context"

	"github.com/danmuck/kcounter/internal/transfer"
)

// Device is an endpoint the registry can expose by name.
type Device interface {
	Name() string
	// Open creates per-open state for owner. Open must not block.
	Open(ctx context.Context, owner string) (File, error)
}

// File is the per-open state a Device hands back.
type File interface {
	// Ioctl runs one control request against the open file.
	Ioctl(cmd uint32, region transfer.Region) (int64, error)
	// Release tears the open file down. The registry calls it exactly once.
	Release() error
}
