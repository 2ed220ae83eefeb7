package memmap

import (
	"sync"
)

// The platform memory map is captured once during boot sequencing, before
// any VM is created, and is immutable afterwards. Carving always works on
// a private clone.
var platform struct {
	mu sync.RWMutex
	m  *Map
}

// SetPlatform captures the boot-time platform memory map snapshot.
func SetPlatform(m *Map) {
	platform.mu.Lock()
	defer platform.mu.Unlock()
	platform.m = m.Clone()
}

// Platform returns the captured snapshot, or ErrPlatformMapNotSet if boot
// sequencing has not run yet. Callers must not mutate the result; the
// carving engine clones it first.
func Platform() (*Map, error) {
	platform.mu.RLock()
	defer platform.mu.RUnlock()
	if platform.m == nil {
		return nil, ErrPlatformMapNotSet
	}
	return platform.m, nil
}
