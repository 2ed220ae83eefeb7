package vm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/metalvisor/metalvisor/internal/config"
	"github.com/metalvisor/metalvisor/internal/memmap"
)

// Manager owns the fixed VM table. The table is sized to the platform's
// maximum configured VM count at construction and never grows; ids are
// statically assigned by configuration, never allocated.
type Manager struct {
	scenario *config.Scenario
	platform *memmap.Map
	deps     Collaborators

	vms [config.MaxVMs]VM

	serviceMu sync.RWMutex
	serviceVM *VM
}

// NewManager validates the collaborators, captures the platform memory-map
// snapshot, and initializes the registry slots.
func NewManager(scenario *config.Scenario, deps Collaborators) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, errors.Wrap(err, "vm manager")
	}

	platform, err := scenario.Platform.MemoryMap()
	if err != nil {
		return nil, errors.Wrap(err, "platform memory map")
	}
	memmap.SetPlatform(platform)

	m := &Manager{
		scenario: scenario,
		platform: platform,
		deps:     deps,
	}
	for id := range m.vms {
		m.vms[id].id = uint16(id)
	}
	return m, nil
}

// Get returns the VM slot for id in constant time.
func (m *Manager) Get(id uint16) (*VM, error) {
	if id >= config.MaxVMs {
		return nil, ErrVMIDOutOfRange
	}
	return &m.vms[id], nil
}

// FindByUUID scans the table for a populated slot with the given identity.
// The returned id equals config.MaxVMs when there is no match; ok mirrors
// that for callers who should not compare against capacity.
func (m *Manager) FindByUUID(u config.UUID) (uint16, bool) {
	id := uint16(0)
	for ; id < config.MaxVMs; id++ {
		vm := &m.vms[id]
		if vm.cfg != nil && vm.uuid == u {
			return id, true
		}
	}
	return id, false
}

// SetServiceVM records the service VM singleton. Boot sequencing calls
// this exactly once, before steady state.
func (m *Manager) SetServiceVM(id uint16) error {
	vm, err := m.Get(id)
	if err != nil {
		return err
	}
	if !vm.IsServiceVM() {
		return errors.Wrapf(ErrInvalidVMState, "vm %d is not the service VM", id)
	}

	m.serviceMu.Lock()
	defer m.serviceMu.Unlock()
	m.serviceVM = vm
	return nil
}

// ServiceVM returns the service VM, or ErrServiceVMNotSet if boot
// sequencing has not recorded it yet.
func (m *Manager) ServiceVM() (*VM, error) {
	m.serviceMu.RLock()
	defer m.serviceMu.RUnlock()
	if m.serviceVM == nil {
		return nil, ErrServiceVMNotSet
	}
	return m.serviceVM, nil
}

// HasRealTimeVM reports whether any configured VM carries the real-time
// flag.
func (m *Manager) HasRealTimeVM() bool {
	for i := range m.scenario.VMs {
		if m.scenario.VMs[i].Flags.Has(config.FlagRealTime) {
			return true
		}
	}
	return false
}

// Scenario returns the static configuration the manager was built from.
func (m *Manager) Scenario() *config.Scenario {
	return m.scenario
}

func (m *Manager) isServiceVM(vm *VM) bool {
	m.serviceMu.RLock()
	defer m.serviceMu.RUnlock()
	return m.serviceVM == vm
}
