package storage

import "sync"

// KeyedMutex serializes work per download id while letting different ids
// proceed in parallel.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until id is free and returns the matching unlock func.
func (k *KeyedMutex) Lock(id string) (unlock func()) {
	k.mu.Lock()

	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}

	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}

	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--

		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
