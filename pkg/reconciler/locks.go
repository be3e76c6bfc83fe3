package reconciler

import "sync"

// keyedLocks serializes webhook processing per external subscription id so
// two events for the same subscription cannot apply transitions out of
// causal order. Distinct keys proceed in parallel.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock for key and returns its unlock function. Entries
// are reference counted so the map does not grow with every subscription id
// ever seen.
func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
