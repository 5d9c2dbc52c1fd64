// Package locks provides a keyed mutex used to serialize concurrent work on
// the same entity id without blocking unrelated entities.
package locks

import "sync"

// Keyed hands out one mutex per key. Mutexes are created lazily and kept for
// the lifetime of the Keyed value; the key space here is entity ids touched
// by this process, which stays small.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
