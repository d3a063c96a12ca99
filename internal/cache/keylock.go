package cache

import (
	"context"
	"sync"
)

// keyLocks hands out one mutual-exclusion slot per cache key. Holders of the
// same key serialize; distinct keys never contend. Slots are created with a
// get-or-insert under a small map mutex and are never removed: the key space
// is bounded by the number of markets a process touches.
type keyLocks struct {
	mu    sync.Mutex
	slots map[Key]chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{slots: make(map[Key]chan struct{})}
}

func (l *keyLocks) slot(key Key) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

// Unlocker releases a held key lock. Release is idempotent.
type Unlocker struct {
	once sync.Once
	slot chan struct{}
}

// Unlock releases the lock.
func (u *Unlocker) Unlock() {
	u.once.Do(func() { <-u.slot })
}

// acquire blocks until the key's slot is free or ctx is done.
func (l *keyLocks) acquire(ctx context.Context, key Key) (*Unlocker, error) {
	s := l.slot(key)
	select {
	case s <- struct{}{}:
		return &Unlocker{slot: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
