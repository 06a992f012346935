// Package lockx provides a mutex keyed by string. Collection deletion and
// archive export both take the lock of every source they touch.
package lockx

import (
	"slices"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed serializes callers per key. The zero value is ready to use.
// Entries are dropped once no caller holds or waits for them.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func (k *Keyed) acquire(key string) *entry {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*entry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()
	return e
}

// Lock blocks until key is free.
func (k *Keyed) Lock(key string) {
	k.acquire(key).mu.Lock()
}

// Unlock releases key. Unlocking a key that is not held panics, like
// sync.Mutex.
func (k *Keyed) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("lockx: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
	e.mu.Unlock()
}

// LockAll locks every distinct key in sorted order, so two callers with
// overlapping key sets cannot deadlock. The returned func unlocks them all.
func (k *Keyed) LockAll(keys []string) (unlock func()) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	for _, key := range sorted {
		k.Lock(key)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			k.Unlock(sorted[i])
		}
	}
}

// Len reports how many keys are currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
