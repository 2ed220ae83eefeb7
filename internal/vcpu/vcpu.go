// Package vcpu holds the per-vCPU handles a VM exclusively owns: pinned
// physical-core affinity, the passthrough flag, and the vCPU-local state
// machine. The architectural primitives behind create/reset/schedule live
// in the platform layer and are reached through the Ops interface.
package vcpu

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/metalvisor/metalvisor/internal/log"
	"github.com/metalvisor/metalvisor/internal/logfields"
	"github.com/metalvisor/metalvisor/internal/vlapic"
)

// State is a vCPU's local scheduling state.
type State uint8

const (
	// StateCreated: initialized, never scheduled.
	StateCreated State = iota
	// StateRunning: schedulable on its pinned core.
	StateRunning
	// StateZombie: parked; holds no core but still owns its slot.
	StateZombie
	// StateOffline: logically removed, pending VM cleanup.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateZombie:
		return "zombie"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Ops are the platform's architectural vCPU primitives. Implementations
// touch real virtualization control structures; fakes stand in for tests.
type Ops interface {
	// Create allocates the architectural state for v on its pinned core.
	Create(ctx context.Context, v *VCPU) error
	// Reset returns v's architectural state to power-on defaults.
	Reset(ctx context.Context, v *VCPU) error
	// InitControls rebuilds v's virtualization control structures.
	InitControls(ctx context.Context, v *VCPU) error
	// Schedule hands v to the scheduling context of its pinned core.
	Schedule(ctx context.Context, v *VCPU) error
}

// VCPU is one virtual CPU. It is owned by exactly one VM; the back
// reference is the owner's id, never a pointer.
type VCPU struct {
	// ID is the vCPU's index within its VM; vCPU 0 is the boot vCPU.
	ID uint16
	// VMID is the owning VM's registry id.
	VMID uint16
	// CoreID is the pinned physical core.
	CoreID uint16
	// Passthrough marks a vCPU whose local APIC is exposed directly to
	// hardware; its physical core is dedicated and must be fenced on
	// shutdown.
	Passthrough bool

	mu    sync.Mutex
	state State
	apic  vlapic.APICState
	entry uint64
}

// New returns a vCPU handle in the created state with its LAPIC in xAPIC
// mode, as hardware would come up.
func New(vmID, id, coreID uint16, passthrough bool) *VCPU {
	return &VCPU{
		ID:          id,
		VMID:        vmID,
		CoreID:      coreID,
		Passthrough: passthrough,
		state:       StateCreated,
		apic:        vlapic.APICXapic,
	}
}

// State returns the current local state.
func (v *VCPU) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// APICMode returns the vCPU's current vLAPIC addressing mode.
func (v *VCPU) APICMode() vlapic.APICState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.apic
}

// SetAPICMode records a vLAPIC mode switch. The owning VM re-derives its
// aggregate mode afterwards.
func (v *VCPU) SetAPICMode(s vlapic.APICState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.apic = s
}

// EntryPoint returns the architectural start address.
func (v *VCPU) EntryPoint() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entry
}

// SetEntryPoint sets the architectural start address for the next run.
func (v *VCPU) SetEntryPoint(addr uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entry = addr
}

// Reset returns the vCPU to initial architectural state: created, entry
// point cleared, LAPIC back in xAPIC mode.
func (v *VCPU) Reset(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = StateCreated
	v.apic = vlapic.APICXapic
	v.entry = 0

	log.G(ctx).WithFields(logrus.Fields{
		logfields.VMID:   v.VMID,
		logfields.VCPUID: v.ID,
	}).Debug("vcpu reset")
}

// Park moves the vCPU to the zombie state; it keeps its slot but yields
// its core.
func (v *VCPU) Park() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = StateZombie
}

// Offline takes the vCPU logically offline. Only VM shutdown does this.
func (v *VCPU) Offline() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = StateOffline
}

// MarkRunning records that the vCPU was handed to its core's scheduler.
func (v *VCPU) MarkRunning() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = StateRunning
}
