package moreatomic

import (
	"context"

	"github.com/sasha-s/go-csync"
)

// Map is a thread-safe map whose values are created on first use. The
// constructor runs under the lock, so two callers asking for the same missing
// key never both create a value.
type Map[K comparable, V comparable] struct {
	mu   csync.Mutex
	smap map[K]V
	ctor func(K) (V, error)
}

// NewMap creates a Map that fills missing keys using ctor.
func NewMap[K comparable, V comparable](ctor func(K) (V, error)) *Map[K, V] {
	return &Map[K, V]{
		smap: make(map[K]V),
		ctor: ctor,
	}
}

// LoadOrStore loads an existing value or stores a new value created from the
// constructor then returns that value. It gives up if ctx expires while
// waiting for the lock.
func (sm *Map[K, V]) LoadOrStore(ctx context.Context, k K) (v V, loaded bool, err error) {
	if err = sm.mu.CLock(ctx); err != nil {
		return
	}
	defer sm.mu.Unlock()

	v, loaded = sm.smap[k]
	if loaded {
		return
	}

	v, err = sm.ctor(k)
	if err != nil {
		return
	}

	sm.smap[k] = v
	return
}

// Load loads an existing value; it returns ok set to false if there is no
// value with that key.
func (sm *Map[K, V]) Load(k K) (v V, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	v, ok = sm.smap[k]
	return
}

// CompareAndDelete deletes the value of k only if it is still old.
func (sm *Map[K, V]) CompareAndDelete(k K, old V) (deleted bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if v, ok := sm.smap[k]; ok && v == old {
		delete(sm.smap, k)
		return true
	}

	return false
}

// Range calls fn for every entry while holding the lock. fn must not call back
// into the Map.
func (sm *Map[K, V]) Range(fn func(K, V)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for k, v := range sm.smap {
		fn(k, v)
	}
}

// Len returns the number of entries.
func (sm *Map[K, V]) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return len(sm.smap)
}

// Drain empties the map and returns what it held.
func (sm *Map[K, V]) Drain() map[K]V {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	old := sm.smap
	sm.smap = make(map[K]V)
	return old
}
