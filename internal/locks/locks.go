// Package locks provides per-key mutual exclusion. The engine and the
// session manager share one Keyed instance so order submission and close
// on the same session serialize, while different sessions never contend.
package locks

import "sync"

// Keyed is a set of named mutexes. The zero value is not usable; call New.
type Keyed struct {
	mu   sync.Mutex
	held map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty keyed lock set.
func New() *Keyed {
	return &Keyed{held: make(map[string]*entry)}
}

// Lock acquires the mutex for key and returns its unlock function.
// Entries are reference counted and removed when the last holder releases,
// so the map does not grow with the number of sessions ever seen.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.held[key]
	if !ok {
		e = &entry{}
		k.held[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
