package dsa

import "sync"

// ─── Keyed Mutex ────────────────────────────────────────────────────────────
// One lock per key, created on first use and dropped when the last holder
// releases it. Different keys never contend.

// KeyMutex serializes work per int64 key (a card number).
type KeyMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyMutex creates an empty keyed mutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[int64]*keyLock)}
}

// Lock blocks until key is held by the caller and returns its unlock func.
func (k *KeyMutex) Lock(key int64) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			k.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or waited on.
func (k *KeyMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
