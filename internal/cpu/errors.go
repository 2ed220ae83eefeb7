package cpu

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrCoreTimeout indicates a remote core failed to acknowledge an
	// offline or online request within the configured bound. The
	// triggering operation otherwise completes; this is reported, never
	// fatal.
	ErrCoreTimeout = fmt.Errorf("physical core coordination timed out: %w", errdefs.ErrDeadlineExceeded)

	// ErrCoreOutOfRange indicates a core id past the platform count.
	ErrCoreOutOfRange = fmt.Errorf("physical core id out of range: %w", errdefs.ErrInvalidArgument)
)
