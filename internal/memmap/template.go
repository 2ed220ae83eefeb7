package memmap

import (
	"fmt"

	"github.com/containerd/errdefs"
)

const lowRAMTop = 640 * KiB

// PreLaunchedTemplate builds the declared guest memory map for a
// pre-launched VM of the given size: usable low memory, the legacy hole
// reserved up to 1 MiB, and the remainder of the configured size above it.
func PreLaunchedTemplate(size uint64) (*Map, error) {
	if size <= LegacyHole {
		return nil, fmt.Errorf("pre-launched VM memory size 0x%x does not clear the legacy hole: %w",
			size, errdefs.ErrInvalidArgument)
	}
	return New([]Entry{
		{Base: 0, Length: lowRAMTop, Type: TypeRAM},
		{Base: lowRAMTop, Length: LegacyHole - lowRAMTop, Type: TypeReserved},
		{Base: LegacyHole, Length: size - LegacyHole, Type: TypeRAM},
	})
}
