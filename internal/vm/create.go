package vm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/metalvisor/metalvisor/internal/addrspace"
	"github.com/metalvisor/metalvisor/internal/config"
	"github.com/metalvisor/metalvisor/internal/log"
	"github.com/metalvisor/metalvisor/internal/logfields"
	"github.com/metalvisor/metalvisor/internal/memmap"
	"github.com/metalvisor/metalvisor/internal/oc"
	"github.com/metalvisor/metalvisor/internal/vcpu"
	"github.com/metalvisor/metalvisor/internal/vlapic"
)

// Create populates the registry slot for id from its static configuration:
// it builds the VM's memory view and address space per launch category,
// runs the device-emulation init hook, and creates every configured vCPU
// pinned to its configured core.
//
// Memory mis-partitioning is a security fault: any carving or mapping
// failure aborts creation outright and is never retried. A vCPU-creation
// failure aborts the remaining loop and leaves the VM created but
// incomplete, eligible only for cleanup via Shutdown.
func (m *Manager) Create(ctx context.Context, id uint16) (_ *VM, err error) {
	operation := "metalvisor::CreateVM"
	ctx, span := oc.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.Int64Attribute(logfields.VMID, int64(id)))

	vm, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	cfg := m.scenario.VM(id)
	if cfg == nil {
		return nil, makeVMError(vm, operation, ErrNoConfiguration)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	// Repopulate the slot in place. Previous contents, if any, were
	// released by Shutdown.
	vm.cfg = cfg
	vm.uuid = cfg.UUID
	vm.state = StatePoweredOff
	vm.mem = nil
	vm.ramSize = 0
	vm.root = nil
	vm.vcpus = nil
	vm.vlapicMode = vlapic.ModeXapic
	vm.sworldActive = false
	vm.completionPolling = cfg.LoadOrder == config.PostLaunched && cfg.Flags.Has(config.FlagIOCompletionPolling)

	root, err := m.deps.Roots.NewRoot(ctx, id)
	if err != nil {
		return nil, makeVMError(vm, operation, fmt.Errorf("address-space root: %w", err))
	}
	vm.root = root

	if err := m.buildMemory(ctx, vm, cfg); err != nil {
		m.scrapRoot(ctx, vm)
		return nil, makeVMError(vm, operation, err)
	}

	if m.deps.Enclave != nil && m.deps.Enclave.Supported(id) {
		if err := addrspace.MapEnclave(ctx, root, m.deps.Enclave.Mappings(id)); err != nil {
			m.scrapRoot(ctx, vm)
			return nil, makeVMError(vm, operation, err)
		}
	}

	if m.deps.Devices != nil {
		if err := m.deps.Devices.Init(ctx, vm); err != nil {
			m.scrapRoot(ctx, vm)
			return nil, makeVMError(vm, operation, fmt.Errorf("device emulation init: %w", err))
		}
	}

	vm.state = StateCreated

	for i := range cfg.VCPUAffinity {
		coreID := cfg.CoreFor(i)
		v := vcpu.New(id, uint16(i), coreID, cfg.Flags.Has(config.FlagLAPICPassthrough))
		if err := m.deps.VCPU.Create(ctx, v); err != nil {
			return nil, makeVMError(vm, operation,
				fmt.Errorf("vcpu %d on core %d: %w: %w", i, coreID, ErrVCPUExhausted, err))
		}
		vm.vcpus = append(vm.vcpus, v)
	}

	log.G(ctx).WithFields(logrus.Fields{
		logfields.VMID:      id,
		logfields.Name:      cfg.Name,
		logfields.LoadOrder: cfg.LoadOrder.String(),
	}).Info("vm created")

	return vm, nil
}

// buildMemory builds the VM's memory view and guest address space for its
// launch category. Caller holds the VM lock.
func (m *Manager) buildMemory(ctx context.Context, vm *VM, cfg *config.VMConfig) error {
	switch cfg.LoadOrder {
	case config.ServiceOS:
		hv := m.scenario.Platform.HypervisorRange()
		prelaunched := m.scenario.PreLaunchedRanges()

		carved, excluded, err := memmap.CarveService(m.platform, hv, prelaunched)
		if err != nil {
			return err
		}
		vm.mem = carved
		vm.ramSize = m.platform.TotalRAM() - excluded

		if err := addrspace.BuildService(ctx, vm.root, carved, hv, prelaunched,
			m.scenario.Platform.EPCRanges()); err != nil {
			return err
		}
		return m.initBootInfo(ctx, vm)

	case config.PreLaunched:
		declared, err := memmap.PreLaunchedTemplate(cfg.Memory.Size)
		if err != nil {
			return err
		}
		vm.mem = declared
		vm.ramSize = cfg.Memory.Size

		if err := m.mapSecureWorld(ctx, vm, cfg); err != nil {
			return err
		}
		if err := addrspace.BuildPreLaunched(ctx, vm.root, declared, cfg.Memory.StartHPA); err != nil {
			return err
		}
		return m.initBootInfo(ctx, vm)

	case config.PostLaunched:
		// Base mapping belongs to the device model; only the
		// secure-world contribution happens here.
		return m.mapSecureWorld(ctx, vm, cfg)

	default:
		return fmt.Errorf("vm %d: unresolved load order", vm.id)
	}
}

func (m *Manager) mapSecureWorld(ctx context.Context, vm *VM, cfg *config.VMConfig) error {
	if !cfg.Flags.Has(config.FlagSecureWorld) || m.deps.SecureWorld == nil {
		return nil
	}
	return addrspace.MapSecureWorld(ctx, vm.root, m.deps.SecureWorld.MemoryBase(vm.id))
}

func (m *Manager) initBootInfo(ctx context.Context, vm *VM) error {
	if m.deps.BootInfo == nil {
		return nil
	}
	if err := m.deps.BootInfo.Init(ctx, vm); err != nil {
		return fmt.Errorf("boot info: %w", err)
	}
	return nil
}

// scrapRoot gives the partially built address space back after a fatal
// creation error.
func (m *Manager) scrapRoot(ctx context.Context, vm *VM) {
	if vm.root == nil {
		return
	}
	if err := vm.root.Destroy(ctx); err != nil {
		log.G(ctx).WithError(err).WithField(logfields.VMID, vm.id).
			Warning("failed to destroy address space of aborted vm")
	}
	vm.root = nil
}
