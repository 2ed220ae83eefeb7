// Package config carries the static platform and per-VM configuration the
// boot collaborator hands to the hypervisor core: the raw memory map, the
// hypervisor's own occupied range, and each VM's identity, launch category,
// memory reservation, capability flags, and vCPU affinities.
package config

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/metalvisor/metalvisor/internal/memmap"
)

// MaxVMs is the platform's maximum configured VM count. The VM table is
// sized to it once and never grows.
const MaxVMs = 8

// InvalidCoreID marks a vCPU affinity that resolves to no usable core.
const InvalidCoreID = ^uint16(0)

// LoadOrder is a VM's launch category.
type LoadOrder uint8

const (
	// PreLaunched VMs boot before the service VM from statically carved
	// memory.
	PreLaunched LoadOrder = iota + 1
	// ServiceOS sees all memory except the other trust domains.
	ServiceOS
	// PostLaunched VMs get their memory from the external device model.
	PostLaunched
)

func (o LoadOrder) String() string {
	switch o {
	case PreLaunched:
		return "pre-launched"
	case ServiceOS:
		return "service-os"
	case PostLaunched:
		return "post-launched"
	default:
		return "unknown"
	}
}

func parseLoadOrder(s string) (LoadOrder, error) {
	switch strings.ToLower(s) {
	case "pre-launched":
		return PreLaunched, nil
	case "service-os":
		return ServiceOS, nil
	case "post-launched":
		return PostLaunched, nil
	default:
		return 0, fmt.Errorf("unknown load order %q: %w", s, errdefs.ErrInvalidArgument)
	}
}

// GuestFlags are per-VM capability flags.
type GuestFlags uint64

const (
	FlagRealTime GuestFlags = 1 << iota
	FlagSecureWorld
	FlagLAPICPassthrough
	FlagHighestSeverity
	FlagHideMTRR
	FlagIOCompletionPolling
)

// Has reports whether every flag in q is set.
func (f GuestFlags) Has(q GuestFlags) bool {
	return f&q == q
}

var flagNames = map[string]GuestFlags{
	"rt":                    FlagRealTime,
	"secure-world":          FlagSecureWorld,
	"lapic-passthrough":     FlagLAPICPassthrough,
	"highest-severity":      FlagHighestSeverity,
	"hide-mtrr":             FlagHideMTRR,
	"io-completion-polling": FlagIOCompletionPolling,
}

func parseFlags(names []string) (GuestFlags, error) {
	var flags GuestFlags
	for _, n := range names {
		f, ok := flagNames[strings.ToLower(n)]
		if !ok {
			return 0, fmt.Errorf("unknown guest flag %q: %w", n, errdefs.ErrInvalidArgument)
		}
		flags |= f
	}
	return flags, nil
}

// UUID is a VM's 128-bit identity.
type UUID [16]byte

func (u UUID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

// ParseUUID parses the canonical 8-4-4-4-12 form.
func ParseUUID(s string) (UUID, error) {
	var u UUID
	raw := strings.ReplaceAll(s, "-", "")
	if len(raw) != 32 {
		return u, fmt.Errorf("malformed uuid %q: %w", s, errdefs.ErrInvalidArgument)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return u, fmt.Errorf("malformed uuid %q: %w", s, errdefs.ErrInvalidArgument)
	}
	copy(u[:], b)
	return u, nil
}

// MemoryConfig is a VM's physical memory reservation.
type MemoryConfig struct {
	StartHPA uint64 `toml:"start_hpa"`
	Size     uint64 `toml:"size"`
}

// Range returns the reservation as a half-open range.
func (m MemoryConfig) Range() memmap.Range {
	return memmap.Range{Start: m.StartHPA, End: m.StartHPA + m.Size}
}

// VMConfig is one VM's static configuration. The *Name/*Names fields are
// the TOML surface; Validate resolves them into the typed fields.
type VMConfig struct {
	ID            uint16       `toml:"id"`
	Name          string       `toml:"name"`
	UUIDText      string       `toml:"uuid"`
	LoadOrderName string       `toml:"load_order"`
	FlagNames     []string     `toml:"flags"`
	Memory        MemoryConfig `toml:"memory"`

	// VCPUAffinity holds one physical-core bitmask per vCPU; entry 0 is
	// the boot vCPU. Masks are statically assigned, never rebalanced.
	VCPUAffinity []uint64 `toml:"vcpu_affinity"`

	// Resolved by Validate.
	UUID      UUID       `toml:"-"`
	LoadOrder LoadOrder  `toml:"-"`
	Flags     GuestFlags `toml:"-"`
}

// BootCore returns the physical core of the boot vCPU: the lowest set bit
// of the first affinity mask.
func (c *VMConfig) BootCore(numCores uint16) uint16 {
	if len(c.VCPUAffinity) == 0 || c.VCPUAffinity[0] == 0 {
		return InvalidCoreID
	}
	core := uint16(bits.TrailingZeros64(c.VCPUAffinity[0]))
	if core >= numCores {
		return InvalidCoreID
	}
	return core
}

// CoreFor returns the pinned physical core of vCPU i.
func (c *VMConfig) CoreFor(i int) uint16 {
	return uint16(bits.TrailingZeros64(c.VCPUAffinity[i]))
}

// MemoryRegion is one raw platform map entry as configured.
type MemoryRegion struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	Type   string `toml:"type"`
}

// EPCSection is one platform enclave-page-cache section.
type EPCSection struct {
	Base uint64 `toml:"base"`
	Size uint64 `toml:"size"`
}

// Platform is the boot-time platform description.
type Platform struct {
	NumCores        uint16         `toml:"num_cores"`
	Memory          []MemoryRegion `toml:"memory"`
	HypervisorStart uint64         `toml:"hypervisor_start"`
	HypervisorSize  uint64         `toml:"hypervisor_size"`
	EPC             []EPCSection   `toml:"epc"`
}

// MemoryMap converts the configured regions into a platform map.
func (p *Platform) MemoryMap() (*memmap.Map, error) {
	entries := make([]memmap.Entry, 0, len(p.Memory))
	for _, r := range p.Memory {
		var t memmap.EntryType
		switch strings.ToLower(r.Type) {
		case "ram":
			t = memmap.TypeRAM
		case "reserved":
			t = memmap.TypeReserved
		default:
			return nil, fmt.Errorf("unknown memory region type %q: %w", r.Type, errdefs.ErrInvalidArgument)
		}
		entries = append(entries, memmap.Entry{Base: r.Base, Length: r.Length, Type: t})
	}
	return memmap.New(entries)
}

// HypervisorRange returns the hypervisor image's occupied range.
func (p *Platform) HypervisorRange() memmap.Range {
	return memmap.Range{Start: p.HypervisorStart, End: p.HypervisorStart + p.HypervisorSize}
}

// EPCRanges returns the platform enclave sections as ranges.
func (p *Platform) EPCRanges() []memmap.Range {
	out := make([]memmap.Range, 0, len(p.EPC))
	for _, s := range p.EPC {
		out = append(out, memmap.Range{Start: s.Base, End: s.Base + s.Size})
	}
	return out
}

// Scenario is the full static configuration: the platform plus every VM.
type Scenario struct {
	Platform Platform   `toml:"platform"`
	VMs      []VMConfig `toml:"vm"`
}

// VM returns the configuration of the VM with the given id, or nil.
func (s *Scenario) VM(id uint16) *VMConfig {
	for i := range s.VMs {
		if s.VMs[i].ID == id {
			return &s.VMs[i]
		}
	}
	return nil
}

// PreLaunchedRanges returns every pre-launched VM's memory range in id
// order. The carving engine depends on this ordering.
func (s *Scenario) PreLaunchedRanges() []memmap.Range {
	var out []memmap.Range
	for id := uint16(0); id < MaxVMs; id++ {
		c := s.VM(id)
		if c != nil && c.LoadOrder == PreLaunched {
			out = append(out, c.Memory.Range())
		}
	}
	return out
}
