package memmap

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// MaxEntries bounds a map's entry table. It mirrors the fixed firmware
// table the platform snapshot is copied from; carving may append at most
// one entry per exclusion and must never grow past this.
const MaxEntries = 32

// LegacyHole is the 1 MiB boundary below which non-RAM guest ranges are
// identity-backed to preserve legacy device behavior.
const LegacyHole = 1 * MiB
