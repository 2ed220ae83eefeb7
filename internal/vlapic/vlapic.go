// Package vlapic derives a VM-wide virtual interrupt controller addressing
// mode from per-vCPU state. Individual vLAPICs switch modes asynchronously;
// the aggregate captures the in-between "transition" window.
package vlapic

import (
	"github.com/samber/lo"
)

// APICState is the addressing mode one vCPU's virtual LAPIC is in.
type APICState uint8

const (
	// APICDisabled means the vCPU's LAPIC is not enabled.
	APICDisabled APICState = iota
	// APICXapic is legacy MMIO addressing.
	APICXapic
	// APICX2apic is extended MSR addressing.
	APICX2apic
)

// Mode is the aggregate addressing mode of all of a VM's vLAPICs.
type Mode uint8

const (
	// ModeXapic: every enabled vLAPIC uses legacy addressing. Also the
	// default at create and reset, since all LAPICs come up in xAPIC.
	ModeXapic Mode = iota
	// ModeX2apic: every enabled vLAPIC uses extended addressing.
	ModeX2apic
	// ModeDisabled: no vLAPIC is enabled.
	ModeDisabled
	// ModeTransition: enabled vLAPICs are split between modes.
	ModeTransition
)

func (m Mode) String() string {
	switch m {
	case ModeXapic:
		return "xapic"
	case ModeX2apic:
		return "x2apic"
	case ModeDisabled:
		return "disabled"
	case ModeTransition:
		return "transition"
	default:
		return "unknown"
	}
}

// Derive classifies the per-vCPU states into an aggregate mode.
func Derive(states []APICState) Mode {
	inX2apic := lo.CountBy(states, func(s APICState) bool { return s == APICX2apic })
	inXapic := lo.CountBy(states, func(s APICState) bool { return s == APICXapic })

	switch {
	case inX2apic == 0 && inXapic == 0:
		return ModeDisabled
	case inX2apic != 0 && inXapic != 0:
		return ModeTransition
	case inX2apic != 0:
		return ModeX2apic
	default:
		return ModeXapic
	}
}
