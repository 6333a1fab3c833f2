// Package lock provides in-process keyed locking.
// It serializes work on one transaction or account inside a single process; the
// database constraints remain the cross-process guard.
package lock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyLock hands out one mutex per int64 key. Entries are dropped once nobody
// holds or waits on them, so the map does not grow with every key ever seen.
type KeyLock struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

// NewKeyLock creates a new KeyLock instance.
func NewKeyLock() *KeyLock {
	return &KeyLock{entries: make(map[int64]*entry)}
}

func (kl *KeyLock) acquire(key int64) *entry {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	e, ok := kl.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		kl.entries[key] = e
	}
	e.refs++
	return e
}

func (kl *KeyLock) release(key int64, e *entry) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(kl.entries, key)
	}
}

// WithLockContext executes fn while holding the key. It returns ErrLockTimeout
// without running fn when ctx is done first.
func (kl *KeyLock) WithLockContext(ctx context.Context, key int64, fn func() error) error {
	e := kl.acquire(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		kl.release(key, e)
		return ErrLockTimeout
	}
	defer func() {
		<-e.ch
		kl.release(key, e)
	}()
	return fn()
}

// size returns the number of live entries. Used by tests.
func (kl *KeyLock) size() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.entries)
}
