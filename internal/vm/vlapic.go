package vm

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/metalvisor/metalvisor/internal/log"
	"github.com/metalvisor/metalvisor/internal/logfields"
	"github.com/metalvisor/metalvisor/internal/vlapic"
)

// UpdateVLAPICMode re-derives the VM-wide vLAPIC addressing mode from the
// per-vCPU state. Individual vLAPICs switch modes asynchronously, so the
// scan and the write happen under the per-VM lock; the last writer wins
// and no ordering beyond mutual exclusion is promised.
func (m *Manager) UpdateVLAPICMode(ctx context.Context, vm *VM) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	states := make([]vlapic.APICState, len(vm.vcpus))
	for i, v := range vm.vcpus {
		states[i] = v.APICMode()
	}
	vm.vlapicMode = vlapic.Derive(states)

	log.G(ctx).WithFields(logrus.Fields{
		logfields.VMID:  vm.id,
		logfields.State: vm.vlapicMode.String(),
	}).Debug("vlapic aggregate mode updated")
}

// VLAPICMode returns the current aggregate mode.
func (vm *VM) VLAPICMode() vlapic.Mode {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.vlapicMode
}
