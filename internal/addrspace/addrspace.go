// Package addrspace translates carved or declared memory region lists into
// add/modify/remove directives against a VM's second-level address
// translation structure. The structure itself is an opaque platform handle;
// this package only decides what gets mapped where, per launch category.
package addrspace

import (
	"context"
	"fmt"
)

// Attr is the access and memory-type attribute set of a mapping.
type Attr uint64

const (
	AttrRead Attr = 1 << iota
	AttrWrite
	AttrExecute
	AttrWB
	AttrUncached

	AttrRWX = AttrRead | AttrWrite | AttrExecute

	// AttrTypeMask selects the memory-type bits for Modify calls that
	// upgrade caching without touching permissions.
	AttrTypeMask = AttrWB | AttrUncached
)

func (a Attr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// AddressSpace is the directive surface of one VM's guest address space,
// keyed by the VM's opaque address-space root.
//
// Any directive failure is a security fault for the VM being built: the
// caller aborts creation and never retries.
type AddressSpace interface {
	// Add maps [guestBase, guestBase+length) to [hostBase, hostBase+length).
	Add(ctx context.Context, hostBase, guestBase, length uint64, attr Attr) error
	// Modify rewrites the attribute bits selected by mask over
	// [base, base+length) of already-mapped guest space.
	Modify(ctx context.Context, base, length uint64, attr, mask Attr) error
	// Remove unmaps [base, base+length) of guest space.
	Remove(ctx context.Context, base, length uint64) error
}

// Root is an address space together with ownership of its page-table
// storage. Destroy releases the whole translation structure; it is called
// exactly once, during VM shutdown.
type Root interface {
	AddressSpace
	Destroy(ctx context.Context) error
}

// EnclaveMapping is one enclave-page-cache region to expose to a VM,
// supplied by the external enclave-map provider.
type EnclaveMapping struct {
	HPA  uint64
	GPA  uint64
	Size uint64
}
