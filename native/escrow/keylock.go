package escrow

import "sync"

type pairKey struct {
	depositor [20]byte
	collector [20]byte
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks serialises operations per (depositor, collector) pair. Entries are
// dropped once no goroutine holds or waits on them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[pairKey]*keyLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[pairKey]*keyLock)}
}

func (k *keyLocks) lock(key pairKey) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
