// Package keylock provides a mutex per string key. Callers holding
// different keys proceed in parallel; callers sharing a key are serialized.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is a set of reference-counted mutexes keyed by string. Entries are
// removed once no caller holds or waits on them, so the map only grows with
// the number of keys in use at one time.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key and returns the function that releases it.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
