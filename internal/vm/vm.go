// Package vm holds the fixed VM registry and the lifecycle state machine
// that drives each VM through created, started, paused, powering-off, and
// powered-off, orchestrating the carving engine, the address-space
// builder, the vCPU primitives, and the physical-core coordinator.
package vm

import (
	"sync"

	"github.com/metalvisor/metalvisor/internal/addrspace"
	"github.com/metalvisor/metalvisor/internal/config"
	"github.com/metalvisor/metalvisor/internal/memmap"
	"github.com/metalvisor/metalvisor/internal/vcpu"
	"github.com/metalvisor/metalvisor/internal/vlapic"
)

// State is a VM's lifecycle state. The zero value is powered off, which is
// what an untouched registry slot reads as.
type State uint8

const (
	StatePoweredOff State = iota
	StateCreated
	StateStarted
	StatePaused
	StatePoweringOff
)

func (s State) String() string {
	switch s {
	case StatePoweredOff:
		return "powered-off"
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StatePaused:
		return "paused"
	case StatePoweringOff:
		return "powering-off"
	default:
		return "unknown"
	}
}

// VM is one registry slot. Slots live for the platform's lifetime;
// creation repopulates a slot in place, nothing ever deallocates one.
//
// The per-VM mutex serializes lifecycle transitions and the vLAPIC
// aggregate-mode read-modify-write. There is no lock over all VMs.
type VM struct {
	id uint16

	mu    sync.Mutex
	state State

	cfg  *config.VMConfig
	uuid config.UUID

	// mem is this VM's carved or declared memory view; ramSize is the
	// declared RAM size after carving decrements.
	mem     *memmap.Map
	ramSize uint64

	root addrspace.Root

	vlapicMode vlapic.Mode

	// vcpus are exclusively owned; vCPUs refer back by VMID only.
	vcpus []*vcpu.VCPU

	sworldActive      bool
	completionPolling bool
}

// ID returns the registry id.
func (vm *VM) ID() uint16 {
	return vm.id
}

// Name returns the configured name.
func (vm *VM) Name() string {
	if vm.cfg == nil {
		return ""
	}
	return vm.cfg.Name
}

// UUID returns the VM's 128-bit identity.
func (vm *VM) UUID() config.UUID {
	return vm.uuid
}

// State returns the current lifecycle state.
func (vm *VM) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// Config returns the VM's static configuration; nil for a slot that was
// never created.
func (vm *VM) Config() *config.VMConfig {
	return vm.cfg
}

// MemoryMap returns the VM's carved memory view.
func (vm *VM) MemoryMap() *memmap.Map {
	return vm.mem
}

// RAMSize returns the declared RAM size after carving decrements.
func (vm *VM) RAMSize() uint64 {
	return vm.ramSize
}

// Root returns the VM's address-space root handle.
func (vm *VM) Root() addrspace.Root {
	return vm.root
}

// VCPUs returns the owned vCPU handles in creation order; index 0 is the
// boot vCPU.
func (vm *VM) VCPUs() []*vcpu.VCPU {
	return vm.vcpus
}

// CompletionPolling reports whether the VM runs its I/O request channel in
// completion-polling mode.
func (vm *VM) CompletionPolling() bool {
	return vm.completionPolling
}

// IsPreLaunched reports the pre-launched launch category.
func (vm *VM) IsPreLaunched() bool {
	return vm.cfg != nil && vm.cfg.LoadOrder == config.PreLaunched
}

// IsPostLaunched reports the post-launched launch category.
func (vm *VM) IsPostLaunched() bool {
	return vm.cfg != nil && vm.cfg.LoadOrder == config.PostLaunched
}

// IsServiceVM reports the service-OS launch category.
func (vm *VM) IsServiceVM() bool {
	return vm.cfg != nil && vm.cfg.LoadOrder == config.ServiceOS
}

// IsRealTime reports the real-time capability flag.
func (vm *VM) IsRealTime() bool {
	return vm.cfg != nil && vm.cfg.Flags.Has(config.FlagRealTime)
}

// IsLAPICPassthrough reports the local-APIC passthrough capability flag.
func (vm *VM) IsLAPICPassthrough() bool {
	return vm.cfg != nil && vm.cfg.Flags.Has(config.FlagLAPICPassthrough)
}

// IsHighestSeverity reports the highest-severity capability flag.
func (vm *VM) IsHighestSeverity() bool {
	return vm.cfg != nil && vm.cfg.Flags.Has(config.FlagHighestSeverity)
}

// HidesMTRR reports the hide-MTRR capability flag.
func (vm *VM) HidesMTRR() bool {
	return vm.cfg != nil && vm.cfg.Flags.Has(config.FlagHideMTRR)
}

// SecureWorldActive reports whether the secure-world context exists.
func (vm *VM) SecureWorldActive() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.sworldActive
}

// bootVCPU returns the boot vCPU or nil for an incomplete VM.
func (vm *VM) bootVCPU() *vcpu.VCPU {
	if len(vm.vcpus) == 0 {
		return nil
	}
	return vm.vcpus[0]
}
