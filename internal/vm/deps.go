package vm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/metalvisor/metalvisor/internal/addrspace"
	"github.com/metalvisor/metalvisor/internal/cpu"
	"github.com/metalvisor/metalvisor/internal/vcpu"
)

// RootProvider hands out the opaque second-level address-translation root
// for a VM. The storage behind the root belongs to the platform layer;
// Root.Destroy gives it back.
type RootProvider interface {
	NewRoot(ctx context.Context, vmID uint16) (addrspace.Root, error)
}

// DeviceEmulation is the device-model collaborator. Init and Deinit run
// exactly once per matching lifecycle transition: Init during create,
// Deinit during shutdown.
type DeviceEmulation interface {
	Init(ctx context.Context, vm *VM) error
	Deinit(ctx context.Context, vm *VM) error
}

// SecureWorldProvider manages a VM's isolated secure-world context.
type SecureWorldProvider interface {
	// MemoryBase returns the host base of the VM's carved secure-world
	// memory.
	MemoryBase(vmID uint16) uint64
	// Destroy tears the context down; wipeMemory additionally scrubs the
	// carved range.
	Destroy(ctx context.Context, vm *VM, wipeMemory bool) error
}

// EnclaveProvider enumerates enclave-page-cache regions for VMs that
// enable the capability.
type EnclaveProvider interface {
	Supported(vmID uint16) bool
	Mappings(vmID uint16) []addrspace.EnclaveMapping
}

// SoftwareLoader loads guest boot software. The service VM re-invokes it
// on reset.
type SoftwareLoader interface {
	Load(ctx context.Context, vm *VM) error
}

// BootInfoProvider initializes a VM's boot information from the platform
// boot collaborator.
type BootInfoProvider interface {
	Init(ctx context.Context, vm *VM) error
}

// IORequestChannel is the virtualized I/O request channel shared with the
// device model.
type IORequestChannel interface {
	Reset(ctx context.Context, vm *VM) error
}

// InterruptController is the emulated interrupt-controller aggregate
// (PIC/IOAPIC) reset during VM reset.
type InterruptController interface {
	Reset(ctx context.Context, vm *VM) error
}

// PassthroughManager owns pass-through device interrupt-remap entries.
type PassthroughManager interface {
	ReleaseAll(ctx context.Context, vm *VM) error
}

// IOMMUProvider owns the VM's I/O-virtualization domain.
type IOMMUProvider interface {
	DestroyDomain(ctx context.Context, vm *VM) error
}

// Collaborators are the external subsystems the lifecycle state machine
// drives. Roots, VCPU, and Cores are required; the rest may be nil, in
// which case the matching hook is skipped.
type Collaborators struct {
	Roots       RootProvider
	VCPU        vcpu.Ops
	Cores       *cpu.Coordinator
	Devices     DeviceEmulation
	SecureWorld SecureWorldProvider
	Enclave     EnclaveProvider
	Loader      SoftwareLoader
	BootInfo    BootInfoProvider
	IORequests  IORequestChannel
	Interrupts  InterruptController
	Passthrough PassthroughManager
	IOMMU       IOMMUProvider
}

func (c *Collaborators) validate() error {
	if c.Roots == nil {
		return errors.New("missing address-space root provider")
	}
	if c.VCPU == nil {
		return errors.New("missing vCPU primitives")
	}
	if c.Cores == nil {
		return errors.New("missing core coordinator")
	}
	return nil
}
