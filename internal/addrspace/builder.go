package addrspace

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metalvisor/metalvisor/internal/log"
	"github.com/metalvisor/metalvisor/internal/logfields"
	"github.com/metalvisor/metalvisor/internal/memmap"
)

// Secure-world guest placement. The secure world gets its own carved RAM
// rebased high in guest space, away from the normal-world map.
const (
	SecureWorldGPABase = 0x80000000
	SecureWorldSize    = 16 * memmap.MiB
)

// BuildPreLaunched maps a pre-launched VM's declared memory map at the
// VM's assigned physical base. RAM regions are mapped write-back; non-RAM
// regions below the legacy 1 MiB hole are mapped uncached so legacy device
// ranges keep device semantics. The host cursor advances over every mapped
// region, packing the guest map contiguously into the VM's reservation.
func BuildPreLaunched(ctx context.Context, as AddressSpace, declared *memmap.Map, baseHPA uint64) error {
	hpa := baseHPA
	for _, e := range declared.Entries() {
		if e.Length == 0 {
			break
		}

		if e.Type == memmap.TypeRAM {
			if err := as.Add(ctx, hpa, e.Base, e.Length, AttrRWX|AttrWB); err != nil {
				return errors.Wrapf(err, "map RAM region gpa 0x%x len 0x%x", e.Base, e.Length)
			}
			hpa += e.Length
		}

		if e.Type != memmap.TypeRAM && e.Base < memmap.LegacyHole {
			if err := as.Add(ctx, hpa, e.Base, e.Length, AttrRWX|AttrUncached); err != nil {
				return errors.Wrapf(err, "map legacy region gpa 0x%x len 0x%x", e.Base, e.Length)
			}
			hpa += e.Length
		}
	}
	return nil
}

// BuildService builds the service VM's address space: the whole usable
// physical span identity-mapped uncached, RAM sub-ranges upgraded to
// write-back, then the hypervisor image, every pre-launched VM range, and
// the platform enclave sections removed outright. What remains is exactly
// the memory no other trust domain owns; touching a removed range faults.
func BuildService(ctx context.Context, as AddressSpace, carved *memmap.Map,
	hypervisor memmap.Range, prelaunched []memmap.Range, epcSections []memmap.Range) error {
	span, err := carved.Span()
	if err != nil {
		return err
	}

	log.G(ctx).WithFields(logrus.Fields{
		logfields.Base:   span.Start,
		logfields.Length: span.Length(),
	}).Debug("service VM physical span")

	if err := as.Add(ctx, span.Start, span.Start, span.Length(), AttrRWX|AttrUncached); err != nil {
		return errors.Wrap(err, "map physical span uncached")
	}

	for _, e := range carved.Entries() {
		if e.Type != memmap.TypeRAM {
			continue
		}
		if err := as.Modify(ctx, e.Base, e.Length, AttrWB, AttrTypeMask); err != nil {
			return errors.Wrapf(err, "upgrade RAM region base 0x%x len 0x%x to write-back", e.Base, e.Length)
		}
	}

	// Platform enclave sections are firmware-reserved; the service VM
	// must fault on access.
	for _, s := range epcSections {
		if s.Length() == 0 {
			continue
		}
		if err := as.Remove(ctx, s.Start, s.Length()); err != nil {
			return errors.Wrapf(err, "remove enclave section base 0x%x", s.Start)
		}
	}

	if err := as.Remove(ctx, hypervisor.Start, hypervisor.Length()); err != nil {
		return errors.Wrap(err, "remove hypervisor image range")
	}

	for _, r := range prelaunched {
		if err := as.Remove(ctx, r.Start, r.Length()); err != nil {
			return errors.Wrapf(err, "remove pre-launched VM range base 0x%x", r.Start)
		}
	}

	return nil
}

// MapSecureWorld rebases the VM's secure-world memory into guest space.
// The base mapping of a post-launched VM belongs to the device model; this
// contribution is the only one the builder makes for that category.
func MapSecureWorld(ctx context.Context, as AddressSpace, swHostBase uint64) error {
	if err := as.Add(ctx, swHostBase, SecureWorldGPABase, SecureWorldSize, AttrRWX|AttrWB); err != nil {
		return errors.Wrap(err, "map secure world")
	}
	return nil
}

// MapEnclave adds the enclave-page-cache regions supplied by the enclave
// map provider, write-back like ordinary RAM.
func MapEnclave(ctx context.Context, as AddressSpace, maps []EnclaveMapping) error {
	for _, m := range maps {
		if m.Size == 0 {
			continue
		}
		if err := as.Add(ctx, m.HPA, m.GPA, m.Size, AttrRWX|AttrWB); err != nil {
			return errors.Wrapf(err, "map enclave region gpa 0x%x len 0x%x", m.GPA, m.Size)
		}
	}
	return nil
}
