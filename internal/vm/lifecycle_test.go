package vm

import (
	"context"
	"errors"
	"testing"

	"github.com/containerd/errdefs"

	"github.com/metalvisor/metalvisor/internal/vcpu"
	"github.com/metalvisor/metalvisor/internal/vlapic"
)

func Test_Start_SchedulesOnlyBootVCPU(t *testing.T) {
	e := newTestEnv(t)
	vm := e.create(t, 2)

	if err := e.mgr.Start(context.Background(), vm); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if vm.State() != StateStarted {
		t.Fatalf("expected started, got %s", vm.State())
	}
	if e.ops.schedules != 1 {
		t.Fatalf("expected 1 schedule call, got %d", e.ops.schedules)
	}
	if vm.VCPUs()[0].State() != vcpu.StateRunning {
		t.Fatalf("boot vcpu not running: %s", vm.VCPUs()[0].State())
	}
	if vm.VCPUs()[1].State() != vcpu.StateCreated {
		t.Fatalf("secondary vcpu must stay created: %s", vm.VCPUs()[1].State())
	}
}

func Test_Start_RequiresCreated(t *testing.T) {
	e := newTestEnv(t)
	vm := e.createStarted(t, 0)

	err := e.mgr.Start(context.Background(), vm)
	if !errors.Is(err, ErrInvalidVMState) {
		t.Fatalf("expected ErrInvalidVMState, got %v", err)
	}
	if !errors.Is(err, errdefs.ErrFailedPrecondition) {
		t.Fatalf("expected a failed-precondition error, got %v", err)
	}
}

func Test_Pause_ParksEveryVCPU(t *testing.T) {
	e := newTestEnv(t)
	vm := e.createStarted(t, 2)

	if err := e.mgr.Pause(context.Background(), vm); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if vm.State() != StatePaused {
		t.Fatalf("expected paused, got %s", vm.State())
	}
	for _, v := range vm.VCPUs() {
		if v.State() != vcpu.StateZombie {
			t.Fatalf("vcpu %d not parked: %s", v.ID, v.State())
		}
	}
}

func Test_Pause_AlreadyPausedIsNoop(t *testing.T) {
	e := newTestEnv(t)
	vm := e.createStarted(t, 0)

	if err := e.mgr.Pause(context.Background(), vm); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := e.mgr.Pause(context.Background(), vm); err != nil {
		t.Fatalf("pausing a paused VM must be a no-op, got %s", err)
	}
}

func Test_Pause_RealTimeRules(t *testing.T) {
	type config struct {
		name    string
		prepare func(t *testing.T, e *env, vm *VM)
		wantErr bool
	}
	tests := []config{
		{
			name:    "CreatedIsAllowed",
			prepare: func(t *testing.T, e *env, vm *VM) {},
		},
		{
			name: "StartedIsRefused",
			prepare: func(t *testing.T, e *env, vm *VM) {
				if err := e.mgr.Start(context.Background(), vm); err != nil {
					t.Fatalf("unexpected error: %s", err)
				}
			},
			wantErr: true,
		},
		{
			name: "PoweringOffIsAllowed",
			prepare: func(t *testing.T, e *env, vm *VM) {
				if err := e.mgr.Start(context.Background(), vm); err != nil {
					t.Fatalf("unexpected error: %s", err)
				}
				if err := e.mgr.MarkPoweringOff(context.Background(), vm); err != nil {
					t.Fatalf("unexpected error: %s", err)
				}
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			e := newTestEnv(t, "rt", "lapic-passthrough")
			vm := e.create(t, 2)
			test.prepare(t, e, vm)

			before := vm.State()
			err := e.mgr.Pause(context.Background(), vm)
			if test.wantErr {
				if !errors.Is(err, ErrInvalidVMState) {
					t.Fatalf("expected ErrInvalidVMState, got %v", err)
				}
				if vm.State() != before {
					t.Fatalf("refused pause changed state from %s to %s", before, vm.State())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if vm.State() != StatePaused {
				t.Fatalf("expected paused, got %s", vm.State())
			}
		})
	}
}

func Test_MarkPoweringOff_RequiresStarted(t *testing.T) {
	e := newTestEnv(t)
	vm := e.create(t, 0)

	err := e.mgr.MarkPoweringOff(context.Background(), vm)
	if !errors.Is(err, ErrInvalidVMState) {
		t.Fatalf("expected ErrInvalidVMState, got %v", err)
	}
}

func Test_Reset_ReturnsToCreated(t *testing.T) {
	e := newTestEnv(t)
	vm := e.createStarted(t, 0)
	vm.VCPUs()[0].SetEntryPoint(0x7000)
	vm.VCPUs()[0].SetAPICMode(vlapic.APICX2apic)

	if err := e.mgr.Pause(context.Background(), vm); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := e.mgr.Reset(context.Background(), vm); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if vm.State() != StateCreated {
		t.Fatalf("expected created, got %s", vm.State())
	}
	bsp := vm.VCPUs()[0]
	if bsp.State() != vcpu.StateCreated || bsp.EntryPoint() != 0 || bsp.APICMode() != vlapic.APICXapic {
		t.Fatalf("boot vcpu not reset: state %s entry 0x%x apic %d", bsp.State(), bsp.EntryPoint(), bsp.APICMode())
	}
	if vm.VLAPICMode() != vlapic.ModeXapic {
		t.Fatalf("expected the aggregate back at xAPIC, got %s", vm.VLAPICMode())
	}
	if e.iorequests.resets.count() != 1 {
		t.Fatalf("expected 1 io-request channel reset, got %d", e.iorequests.resets.count())
	}
	if e.interrupts.resets.count() != 1 {
		t.Fatalf("expected 1 interrupt-controller reset, got %d", e.interrupts.resets.count())
	}
	if e.sworld.destroys.count() != 1 || e.sworld.wiped {
		t.Fatalf("expected 1 secure-world teardown without wiping, got %d wiped=%v",
			e.sworld.destroys.count(), e.sworld.wiped)
	}
	if e.loader.loads.count() != 0 {
		t.Fatal("reset of a non-service VM must not reload software")
	}
}

func Test_Reset_ServiceVMReloadsSoftware(t *testing.T) {
	e := newTestEnv(t)
	vm := e.create(t, 1)
	if err := e.mgr.SetServiceVM(1); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := e.mgr.Start(context.Background(), vm); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := e.mgr.Pause(context.Background(), vm); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if err := e.mgr.Reset(context.Background(), vm); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if e.loader.loads.count() != 1 {
		t.Fatalf("expected 1 software reload, got %d", e.loader.loads.count())
	}
}

// A reset of a VM that is not paused fails with no side effects.
func Test_Reset_RequiresPaused(t *testing.T) {
	e := newTestEnv(t)
	vm := e.createStarted(t, 2)
	vm.VCPUs()[1].SetEntryPoint(0x9000)

	err := e.mgr.Reset(context.Background(), vm)
	if !errors.Is(err, ErrInvalidVMState) {
		t.Fatalf("expected ErrInvalidVMState, got %v", err)
	}
	if vm.State() != StateStarted {
		t.Fatalf("refused reset changed state to %s", vm.State())
	}
	if vm.VCPUs()[0].State() != vcpu.StateRunning {
		t.Fatalf("refused reset touched the boot vcpu: %s", vm.VCPUs()[0].State())
	}
	if vm.VCPUs()[1].EntryPoint() != 0x9000 {
		t.Fatal("refused reset touched vcpu entry points")
	}
	if e.ops.resets != 0 {
		t.Fatalf("refused reset reached the architectural primitives: %d calls", e.ops.resets)
	}
}

func Test_ResumeFromSuspend(t *testing.T) {
	e := newTestEnv(t)
	vm := e.create(t, 0)

	const wakeup = uint64(0x1000)
	if err := e.mgr.ResumeFromSuspend(context.Background(), vm, wakeup); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if vm.State() != StateStarted {
		t.Fatalf("expected started, got %s", vm.State())
	}
	bsp := vm.VCPUs()[0]
	if bsp.EntryPoint() != wakeup {
		t.Fatalf("expected entry point 0x%x, got 0x%x", wakeup, bsp.EntryPoint())
	}
	if bsp.State() != vcpu.StateRunning {
		t.Fatalf("boot vcpu not running: %s", bsp.State())
	}
	if e.ops.resets != 1 || e.ops.inits != 1 || e.ops.schedules != 1 {
		t.Fatalf("unexpected primitive calls: resets=%d inits=%d schedules=%d",
			e.ops.resets, e.ops.inits, e.ops.schedules)
	}
}

func Test_ResumeFromSuspend_RequiresCreated(t *testing.T) {
	e := newTestEnv(t)
	vm := e.createStarted(t, 0)

	err := e.mgr.ResumeFromSuspend(context.Background(), vm, 0x1000)
	if !errors.Is(err, ErrInvalidVMState) {
		t.Fatalf("expected ErrInvalidVMState, got %v", err)
	}
}
