package exec

import "sort"

// lockedKeys lists keys with a held or awaited lock.
func (a *CacheAdapter) lockedKeys() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]uint64, 0, len(a.locks))
	for k := range a.locks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
