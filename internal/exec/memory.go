package exec

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries bounds a MemoryBackend created with a non-positive size.
const DefaultMemoryEntries = 256

type memoryEntry struct {
	expires time.Time
	result  *Result
}

// MemoryBackend keeps results in a process-local LRU.
type MemoryBackend struct {
	cache *lru.Cache[uint64, memoryEntry]
	now   func() time.Time
}

func NewMemoryBackend(size int) (*MemoryBackend, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	c, err := lru.New[uint64, memoryEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{cache: c, now: time.Now}, nil
}

func (m *MemoryBackend) Get(_ context.Context, key uint64) (*Result, bool, error) {
	e, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.cache.Remove(key)
		return nil, false, nil
	}
	return e.result, true, nil
}

func (m *MemoryBackend) Put(_ context.Context, key uint64, r *Result, ttl time.Duration) error {
	e := memoryEntry{result: r}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.cache.Add(key, e)
	return nil
}

func (m *MemoryBackend) Len() int { return m.cache.Len() }
