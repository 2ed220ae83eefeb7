package config

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/metalvisor/metalvisor/internal/memmap"
)

// Validate resolves the textual fields of every VM and checks the
// partitioning invariants that must hold before any VM is created:
// RAM ownership among the hypervisor and non-post-launched VMs is
// exclusive, and pinned core affinities are disjoint across VMs.
func (s *Scenario) Validate() error {
	if s.Platform.NumCores == 0 {
		return fmt.Errorf("platform has no cores: %w", errdefs.ErrInvalidArgument)
	}
	if len(s.VMs) == 0 || len(s.VMs) > MaxVMs {
		return fmt.Errorf("scenario has %d VMs, want 1..%d: %w", len(s.VMs), MaxVMs, errdefs.ErrInvalidArgument)
	}

	seen := map[uint16]bool{}
	serviceVMs := 0
	var claimed uint64 // union of all affinity masks

	for i := range s.VMs {
		c := &s.VMs[i]

		if c.ID >= MaxVMs {
			return fmt.Errorf("vm %q: id %d out of range: %w", c.Name, c.ID, errdefs.ErrInvalidArgument)
		}
		if seen[c.ID] {
			return fmt.Errorf("vm %q: duplicate id %d: %w", c.Name, c.ID, errdefs.ErrInvalidArgument)
		}
		seen[c.ID] = true

		var err error
		if c.LoadOrder, err = parseLoadOrder(c.LoadOrderName); err != nil {
			return fmt.Errorf("vm %d: %w", c.ID, err)
		}
		if c.Flags, err = parseFlags(c.FlagNames); err != nil {
			return fmt.Errorf("vm %d: %w", c.ID, err)
		}
		if c.UUID, err = ParseUUID(c.UUIDText); err != nil {
			return fmt.Errorf("vm %d: %w", c.ID, err)
		}
		if c.Name == "" {
			c.Name = fmt.Sprintf("VM_%d", c.ID)
		}
		if c.LoadOrder == ServiceOS {
			serviceVMs++
		}

		if len(c.VCPUAffinity) == 0 {
			return fmt.Errorf("vm %d: no vCPU affinity configured: %w", c.ID, errdefs.ErrInvalidArgument)
		}
		allCores := uint64(1)<<s.Platform.NumCores - 1
		for v, mask := range c.VCPUAffinity {
			if mask == 0 || mask&^allCores != 0 {
				return fmt.Errorf("vm %d vcpu %d: affinity mask 0x%x invalid for %d cores: %w",
					c.ID, v, mask, s.Platform.NumCores, errdefs.ErrInvalidArgument)
			}
			if claimed&mask != 0 {
				return fmt.Errorf("vm %d vcpu %d: affinity mask 0x%x overlaps another VM: %w",
					c.ID, v, mask, errdefs.ErrInvalidArgument)
			}
			claimed |= mask
		}

		if c.LoadOrder == PreLaunched && c.Memory.Size == 0 {
			return fmt.Errorf("vm %d: pre-launched VM without memory reservation: %w", c.ID, errdefs.ErrInvalidArgument)
		}
	}

	if serviceVMs != 1 {
		return fmt.Errorf("scenario has %d service VMs, want exactly 1: %w", serviceVMs, errdefs.ErrInvalidArgument)
	}

	return s.validateOwnership()
}

// validateOwnership checks that the hypervisor image and every
// pre-launched reservation are pairwise disjoint.
func (s *Scenario) validateOwnership() error {
	owned := []memmap.Range{s.Platform.HypervisorRange()}
	for i := range s.VMs {
		c := &s.VMs[i]
		if c.LoadOrder != PreLaunched {
			continue
		}
		r := c.Memory.Range()
		for _, o := range owned {
			if r.Start < o.End && o.Start < r.End {
				return fmt.Errorf("vm %d: memory [0x%x, 0x%x) overlaps another trust domain [0x%x, 0x%x): %w",
					c.ID, r.Start, r.End, o.Start, o.End, errdefs.ErrInvalidArgument)
			}
		}
		owned = append(owned, r)
	}
	return nil
}
