// Package hypervisor is the boot-facing surface of the VM core: it wires
// the static scenario, the platform collaborators, and the lifecycle
// manager together and launches every statically booted VM.
package hypervisor

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/metalvisor/metalvisor/internal/config"
	"github.com/metalvisor/metalvisor/internal/log"
	"github.com/metalvisor/metalvisor/internal/logfields"
	"github.com/metalvisor/metalvisor/internal/timeout"
	"github.com/metalvisor/metalvisor/internal/vm"
)

// Hypervisor owns the VM manager for one booted platform.
type Hypervisor struct {
	scenario *config.Scenario
	deps     vm.Collaborators
	mgr      *vm.Manager
}

// New builds the hypervisor core from a validated scenario.
func New(scenario *config.Scenario, deps vm.Collaborators) (*Hypervisor, error) {
	mgr, err := vm.NewManager(scenario, deps)
	if err != nil {
		return nil, err
	}
	return &Hypervisor{
		scenario: scenario,
		deps:     deps,
		mgr:      mgr,
	}, nil
}

// Manager exposes the lifecycle state machine.
func (h *Hypervisor) Manager() *vm.Manager {
	return h.mgr
}

// VM returns the registry slot for id.
func (h *Hypervisor) VM(id uint16) (*vm.VM, error) {
	return h.mgr.Get(id)
}

// FindByUUID looks a VM up by identity.
func (h *Hypervisor) FindByUUID(u config.UUID) (uint16, bool) {
	return h.mgr.FindByUUID(u)
}

// ServiceVM returns the service VM singleton once boot has recorded it.
func (h *Hypervisor) ServiceVM() (*vm.VM, error) {
	return h.mgr.ServiceVM()
}

// LaunchAll creates and starts every pre-launched VM and the service VM.
// Post-launched VMs wait for the device model. Launches run concurrently;
// each creation carves on its own private copy of the platform map, so
// none of them share scratch state.
func (h *Hypervisor) LaunchAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for id := uint16(0); id < config.MaxVMs; id++ {
		cfg := h.scenario.VM(id)
		if cfg == nil {
			continue
		}
		if cfg.LoadOrder != config.PreLaunched && cfg.LoadOrder != config.ServiceOS {
			continue
		}

		g.Go(func() error {
			return h.launch(ctx, cfg)
		})
	}
	return g.Wait()
}

func (h *Hypervisor) launch(ctx context.Context, cfg *config.VMConfig) error {
	ctx = log.WithVM(ctx, cfg.ID)

	v, err := h.mgr.Create(ctx, cfg.ID)
	if err != nil {
		return err
	}

	if cfg.LoadOrder == config.ServiceOS {
		if err := h.mgr.SetServiceVM(cfg.ID); err != nil {
			return err
		}
	}

	if h.deps.Loader != nil {
		lctx, cancel := context.WithTimeout(ctx, timeout.SoftwareLoad)
		err := h.deps.Loader.Load(lctx, v)
		cancel()
		if err != nil {
			return errors.Wrapf(err, "load software for vm %d", cfg.ID)
		}
	}

	if err := h.mgr.Start(ctx, v); err != nil {
		return err
	}

	log.G(ctx).WithFields(logrus.Fields{
		logfields.VMID: cfg.ID,
		logfields.Name: cfg.Name,
	}).Info("vm launched")
	return nil
}
