package vm

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/metalvisor/metalvisor/internal/cpu"
	"github.com/metalvisor/metalvisor/internal/log"
	"github.com/metalvisor/metalvisor/internal/logfields"
	"github.com/metalvisor/metalvisor/internal/oc"
)

// Shutdown powers a VM off and reclaims everything it owned. It pauses
// the VM first and refuses with InvalidStateTransition semantics if the
// pause did not land (a running real-time VM, for example).
//
// Each vCPU is reset and taken logically offline; the dedicated physical
// core of every passthrough-pinned vCPU is additionally fenced. The call
// then blocks on the bounded offline barrier, and, if any cores were
// fenced, tries to bring them back online for reuse. A restart failure is
// reported to the caller but does not undo the shutdown: the VM's
// pass-through entries, I/O-virtualization domain, and entire address
// space are released regardless.
func (m *Manager) Shutdown(ctx context.Context, vm *VM) (err error) {
	operation := "metalvisor::VM::Shutdown"
	ctx, span := oc.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.Int64Attribute(logfields.VMID, int64(vm.id)))

	vm.mu.Lock()
	defer vm.mu.Unlock()

	// Best effort; only a paused VM may be shut down.
	_ = m.pauseLocked(ctx, vm)

	if vm.state != StatePaused {
		return makeVMError(vm, operation, ErrInvalidVMState)
	}
	vm.state = StatePoweredOff

	var mask uint64
	for _, v := range vm.vcpus {
		v.Reset(ctx)
		if rerr := m.deps.VCPU.Reset(ctx, v); rerr != nil {
			log.G(ctx).WithError(rerr).WithFields(logrus.Fields{
				logfields.VMID:   vm.id,
				logfields.VCPUID: v.ID,
			}).Warning("vcpu reset failed during shutdown")
		}
		v.Offline()

		if v.Passthrough {
			mask |= cpu.MaskBit(v.CoreID)
			if merr := m.deps.Cores.MarkOffline(ctx, v.CoreID); merr != nil {
				return makeVMError(vm, operation, merr)
			}
		}
	}

	// Reported errors: the shutdown still completes underneath them.
	var reported error
	if werr := m.deps.Cores.WaitOffline(ctx, mask); werr != nil {
		reported = werr
	}
	if mask != 0 {
		if serr := m.deps.Cores.StartCores(ctx, mask); serr != nil {
			log.G(ctx).WithError(serr).WithFields(logrus.Fields{
				logfields.VMID:     vm.id,
				logfields.CoreMask: mask,
			}).Error("failed to restart fenced cores")
			if reported == nil {
				reported = serr
			}
		}
	}

	if m.deps.Passthrough != nil {
		if perr := m.deps.Passthrough.ReleaseAll(ctx, vm); perr != nil {
			return makeVMError(vm, operation, perr)
		}
	}
	if m.deps.IOMMU != nil {
		if derr := m.deps.IOMMU.DestroyDomain(ctx, vm); derr != nil {
			return makeVMError(vm, operation, derr)
		}
	}
	if m.deps.Devices != nil {
		if derr := m.deps.Devices.Deinit(ctx, vm); derr != nil {
			return makeVMError(vm, operation, derr)
		}
	}
	if vm.root != nil {
		if rerr := vm.root.Destroy(ctx); rerr != nil {
			return makeVMError(vm, operation, rerr)
		}
		vm.root = nil
	}

	log.G(ctx).WithField(logfields.VMID, vm.id).Info("vm shut down")

	if reported != nil {
		return makeVMError(vm, operation, reported)
	}
	return nil
}

// RequestShutdown flags the core owning the target VM's boot vCPU to run
// the shutdown on its own scheduling context, kicking it if it is not the
// calling core.
func (m *Manager) RequestShutdown(ctx context.Context, vm *VM) error {
	operation := "metalvisor::VM::RequestShutdown"

	bsp := vm.bootVCPU()
	if bsp == nil {
		return makeVMError(vm, operation, ErrIncompleteVM)
	}
	if err := m.deps.Cores.RequestShutdownVM(bsp.CoreID); err != nil {
		return makeVMError(vm, operation, err)
	}
	log.G(ctx).WithFields(logrus.Fields{
		logfields.VMID:   vm.id,
		logfields.CoreID: bsp.CoreID,
	}).Debug("vm shutdown requested")
	return nil
}

// ConsumeShutdownRequest consumes a pending shutdown request on the
// calling core, returning whether one was set.
func (m *Manager) ConsumeShutdownRequest(coreID uint16) bool {
	return m.deps.Cores.ConsumeShutdownVMRequest(coreID)
}
