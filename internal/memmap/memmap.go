// Package memmap holds the platform physical memory map and the carving
// engine that subtracts excluded ranges (the hypervisor image, pre-launched
// VM memory) from a private copy of it. The carved result is the exclusive
// memory view handed to the guest address-space builder.
package memmap

import (
	"fmt"
)

// EntryType classifies an entry of the platform memory map.
type EntryType uint32

const (
	// TypeRAM is usable memory.
	TypeRAM EntryType = iota + 1
	// TypeReserved is firmware- or hypervisor-claimed memory a guest must
	// never treat as usable.
	TypeReserved
)

func (t EntryType) String() string {
	switch t {
	case TypeRAM:
		return "RAM"
	case TypeReserved:
		return "reserved"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Entry is one region of the memory map: [Base, Base+Length).
type Entry struct {
	Base   uint64
	Length uint64
	Type   EntryType
}

// End returns the exclusive upper bound of the entry.
func (e Entry) End() uint64 {
	return e.Base + e.Length
}

// Range is a half-open physical address range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Length returns the byte length of the range.
func (r Range) Length() uint64 {
	return r.End - r.Start
}

// Map is an ordered, capacity-bounded memory map. The zero value is an
// empty map; mutation happens only through the carving engine.
type Map struct {
	entries []Entry
}

// New builds a map from the given entries. The entries are copied.
func New(entries []Entry) (*Map, error) {
	if len(entries) > MaxEntries {
		return nil, ErrMapOverflow
	}
	m := &Map{entries: make([]Entry, len(entries), MaxEntries)}
	copy(m.entries, entries)
	return m, nil
}

// Clone returns a deep copy the caller may carve freely.
func (m *Map) Clone() *Map {
	c := &Map{entries: make([]Entry, len(m.entries), MaxEntries)}
	copy(c.entries, m.entries)
	return c
}

// Entries returns a copy of the entry table.
func (m *Map) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of entries in the table.
func (m *Map) Len() int {
	return len(m.entries)
}

// TotalRAM returns the summed length of all RAM entries.
func (m *Map) TotalRAM() uint64 {
	var total uint64
	for _, e := range m.entries {
		if e.Type == TypeRAM {
			total += e.Length
		}
	}
	return total
}

// Span returns the range from the lowest entry base to the highest entry
// end. Split remainders are appended out of address order, so both bounds
// are searched, not read off the table ends.
func (m *Map) Span() (Range, error) {
	if len(m.entries) == 0 {
		return Range{}, ErrEmptyMap
	}
	span := Range{Start: m.entries[0].Base, End: m.entries[0].End()}
	for _, e := range m.entries[1:] {
		if e.Base < span.Start {
			span.Start = e.Base
		}
		if e.End() > span.End {
			span.End = e.End()
		}
	}
	return span, nil
}

// RAMRanges returns the ranges of all RAM entries.
func (m *Map) RAMRanges() []Range {
	var out []Range
	for _, e := range m.entries {
		if e.Type == TypeRAM {
			out = append(out, Range{Start: e.Base, End: e.End()})
		}
	}
	return out
}
