package vm

import (
	"context"

	"go.opencensus.io/trace"

	"github.com/metalvisor/metalvisor/internal/log"
	"github.com/metalvisor/metalvisor/internal/logfields"
	"github.com/metalvisor/metalvisor/internal/oc"
	"github.com/metalvisor/metalvisor/internal/vlapic"
)

// Start moves a created VM to started and schedules only its boot vCPU;
// guest software on the boot vCPU brings up the rest.
func (m *Manager) Start(ctx context.Context, vm *VM) (err error) {
	operation := "metalvisor::VM::Start"
	ctx, span := oc.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.Int64Attribute(logfields.VMID, int64(vm.id)))

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.state != StateCreated {
		return makeVMError(vm, operation, ErrInvalidVMState)
	}
	bsp := vm.bootVCPU()
	if bsp == nil {
		return makeVMError(vm, operation, ErrIncompleteVM)
	}

	vm.state = StateStarted

	if err := m.deps.VCPU.Schedule(ctx, bsp); err != nil {
		return makeVMError(vm, operation, err)
	}
	bsp.MarkRunning()

	log.G(ctx).WithField(logfields.VMID, vm.id).Info("vm started")
	return nil
}

// Pause parks every vCPU and moves the VM to paused. Pausing an already
// paused VM is a no-op. A real-time VM is never interrupted mid-run: its
// pause succeeds only while it is powering off by itself or was created
// and never started.
func (m *Manager) Pause(ctx context.Context, vm *VM) (err error) {
	operation := "metalvisor::VM::Pause"
	ctx, span := oc.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.Int64Attribute(logfields.VMID, int64(vm.id)))

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if err := m.pauseLocked(ctx, vm); err != nil {
		return makeVMError(vm, operation, err)
	}
	return nil
}

func (m *Manager) pauseLocked(ctx context.Context, vm *VM) error {
	if vm.state == StatePaused {
		return nil
	}

	if vm.IsRealTime() && vm.state != StatePoweringOff && vm.state != StateCreated {
		return ErrInvalidVMState
	}

	for _, v := range vm.vcpus {
		v.Park()
	}
	vm.state = StatePaused

	log.G(ctx).WithField(logfields.VMID, vm.id).Debug("vm paused")
	return nil
}

// MarkPoweringOff records a guest-initiated power-off in progress, which
// is the one window a real-time VM may be paused in.
func (m *Manager) MarkPoweringOff(ctx context.Context, vm *VM) (err error) {
	operation := "metalvisor::VM::MarkPoweringOff"

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.state != StateStarted {
		return makeVMError(vm, operation, ErrInvalidVMState)
	}
	vm.state = StatePoweringOff

	log.G(ctx).WithField(logfields.VMID, vm.id).Debug("vm powering off")
	return nil
}

// Reset returns a paused VM to created: every vCPU back to initial
// architectural state, the virtual interrupt controller and I/O request
// channel reinitialized, the secure world torn down, and the vLAPIC
// aggregate back at its legacy default. The service VM additionally
// re-invokes the software loader. Fails with no side effects if the VM is
// not paused.
func (m *Manager) Reset(ctx context.Context, vm *VM) (err error) {
	operation := "metalvisor::VM::Reset"
	ctx, span := oc.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.Int64Attribute(logfields.VMID, int64(vm.id)))

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.state != StatePaused {
		return makeVMError(vm, operation, ErrInvalidVMState)
	}

	for _, v := range vm.vcpus {
		v.Reset(ctx)
		if err := m.deps.VCPU.Reset(ctx, v); err != nil {
			return makeVMError(vm, operation, err)
		}
	}

	// All LAPICs come back in xAPIC mode after reset; the aggregate
	// moves there directly, without a transition window.
	vm.vlapicMode = vlapic.ModeXapic

	if m.isServiceVM(vm) && m.deps.Loader != nil {
		if err := m.deps.Loader.Load(ctx, vm); err != nil {
			return makeVMError(vm, operation, err)
		}
	}

	if m.deps.IORequests != nil {
		if err := m.deps.IORequests.Reset(ctx, vm); err != nil {
			return makeVMError(vm, operation, err)
		}
	}
	if m.deps.Interrupts != nil {
		if err := m.deps.Interrupts.Reset(ctx, vm); err != nil {
			return makeVMError(vm, operation, err)
		}
	}
	if m.deps.SecureWorld != nil {
		if err := m.deps.SecureWorld.Destroy(ctx, vm, false); err != nil {
			return makeVMError(vm, operation, err)
		}
	}
	vm.sworldActive = false
	vm.state = StateCreated

	log.G(ctx).WithField(logfields.VMID, vm.id).Info("vm reset")
	return nil
}

// ResumeFromSuspend resumes a suspended VM at the given wakeup entry
// point: the boot vCPU is reset, its entry point and virtualization
// control structures rebuilt, and the VM scheduled as started.
func (m *Manager) ResumeFromSuspend(ctx context.Context, vm *VM, entryPoint uint64) (err error) {
	operation := "metalvisor::VM::ResumeFromSuspend"
	ctx, span := oc.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(
		trace.Int64Attribute(logfields.VMID, int64(vm.id)),
		trace.Int64Attribute(logfields.Base, int64(entryPoint)))

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.state != StateCreated {
		return makeVMError(vm, operation, ErrInvalidVMState)
	}
	bsp := vm.bootVCPU()
	if bsp == nil {
		return makeVMError(vm, operation, ErrIncompleteVM)
	}

	vm.state = StateStarted

	bsp.Reset(ctx)
	if err := m.deps.VCPU.Reset(ctx, bsp); err != nil {
		return makeVMError(vm, operation, err)
	}
	bsp.SetEntryPoint(entryPoint)
	if err := m.deps.VCPU.InitControls(ctx, bsp); err != nil {
		return makeVMError(vm, operation, err)
	}
	if err := m.deps.VCPU.Schedule(ctx, bsp); err != nil {
		return makeVMError(vm, operation, err)
	}
	bsp.MarkRunning()

	log.G(ctx).WithField(logfields.VMID, vm.id).Info("vm resumed from suspend")
	return nil
}
