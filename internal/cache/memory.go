package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// memoryBackend is the default storage: one map guarded by a single lock,
// with an insertion-ordered list driving eviction. Insertion and eviction
// share the write lock; reads take the read lock and bump per-entry hit
// counts atomically.
type memoryBackend struct {
	mu       sync.RWMutex
	entries  map[string]*memoryEntry
	order    *list.List // front = oldest insertion
	capacity int
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	hits      atomic.Int64
	elem      *list.Element
}

func newMemoryBackend(capacity int) *memoryBackend {
	return &memoryBackend{
		entries:  make(map[string]*memoryEntry),
		order:    list.New(),
		capacity: capacity,
	}
}

func (b *memoryBackend) get(_ context.Context, key string) ([]byte, int64, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		// Expired rows are left for the sweep.
		return nil, 0, false, nil
	}
	return e.value, e.hits.Add(1), true, nil
}

func (b *memoryBackend) set(_ context.Context, key string, val []byte, ttl time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		// Overwriting counts as a fresh insertion.
		e.value = val
		e.expiresAt = time.Now().Add(ttl)
		e.hits.Store(0)
		b.order.MoveToBack(e.elem)
		return 0, nil
	}

	evicted := 0
	for len(b.entries) >= b.capacity {
		front := b.order.Front()
		if front == nil {
			break
		}
		delete(b.entries, front.Value.(string))
		b.order.Remove(front)
		evicted++
	}

	e := &memoryEntry{value: val, expiresAt: time.Now().Add(ttl)}
	e.elem = b.order.PushBack(key)
	b.entries[key] = e
	return evicted, nil
}

func (b *memoryBackend) purgeExpired(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range b.entries {
		if now.After(e.expiresAt) {
			delete(b.entries, key)
			b.order.Remove(e.elem)
			removed++
		}
	}
	return removed, nil
}

func (b *memoryBackend) size(_ context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries), nil
}

func (b *memoryBackend) close() error { return nil }
