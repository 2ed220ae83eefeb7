package memmap

// Exclude re-classifies every RAM entry overlapping [start, end), walking
// the table in increasing index order:
//
//   - disjoint entries are untouched
//   - an entry fully inside the range is retyped to reserved
//   - an entry overlapping from the left is truncated to end at start
//   - an entry straddling the whole range is truncated to end at start and
//     its tail [end, entryEnd) appended as a new RAM entry
//   - an entry overlapping from the right has its base advanced to end
//
// At most one entry is appended per call. A map whose entries overlap each
// other could need several splits for one exclusion; that input is rejected
// before any mutation.
func (m *Map) Exclude(start, end uint64) error {
	straddles := 0
	for _, e := range m.entries {
		if e.Type == TypeRAM && e.Base < start && e.End() > end {
			straddles++
		}
	}
	if straddles > 1 {
		return ErrExclusionTooFragmented
	}

	var newEntry Entry
	for i := range m.entries {
		e := &m.entries[i]
		entryStart := e.Base
		entryEnd := e.End()

		// No need to handle in these cases
		if e.Type != TypeRAM || entryEnd <= start || entryStart >= end {
			continue
		}

		// Overlap from the left: adjust the length of this entry
		if entryStart < start && entryEnd <= end {
			e.Length = start - entryStart
			continue
		}

		// Straddles the whole range: truncate and keep the tail for a
		// new entry
		if entryStart < start && entryEnd > end {
			e.Length = start - entryStart
			newEntry = Entry{Base: end, Length: entryEnd - end, Type: TypeRAM}
			continue
		}

		// Fully within the excluded range: downgrade to reserved
		if entryStart >= start && entryEnd <= end {
			e.Type = TypeReserved
			continue
		}

		// Overlap from the right: advance the base past the range
		if entryStart >= start && entryStart < end && entryEnd > end {
			e.Base = end
			e.Length = entryEnd - end
			continue
		}
	}

	if newEntry.Length > 0 {
		if len(m.entries) >= MaxEntries {
			return ErrMapOverflow
		}
		m.entries = append(m.entries, newEntry)
	}

	return nil
}

// CarveService clones the platform map and hides the hypervisor image plus
// every pre-launched VM range from it, in that order. It returns the carved
// map together with the total excluded byte count, which the caller
// subtracts from the service VM's declared RAM size.
//
// Carving is a deterministic function of the platform map and the ordered
// exclusion list. The clone keeps concurrent creations from sharing
// scratch state.
func CarveService(platform *Map, hypervisor Range, prelaunched []Range) (*Map, uint64, error) {
	if platform.Len() == 0 {
		return nil, 0, ErrEmptyMap
	}

	carved := platform.Clone()
	if err := carved.Exclude(hypervisor.Start, hypervisor.End); err != nil {
		return nil, 0, err
	}
	excluded := hypervisor.Length()

	for _, r := range prelaunched {
		if err := carved.Exclude(r.Start, r.End); err != nil {
			return nil, 0, err
		}
		excluded += r.Length()
	}

	return carved, excluded, nil
}
