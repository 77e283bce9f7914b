package lock

import (
	"context"
	"time"
)

// Mutex is a single mutual-exclusion primitive. Lock blocks until the lock
// is held or ctx ends; Unlock returns ErrNotHeld when the lock is not held.
type Mutex interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Locker guards a set of named locks.
type Locker interface {
	// TryLock attempts to obtain the lock without waiting.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Acquire blocks until the lock is obtained or ctx ends.
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Release frees the lock for key.
	Release(ctx context.Context, key string) error
}

// KeyedMutex is one named lock of a Locker.
type KeyedMutex struct {
	locker Locker
	key    string
	ttl    time.Duration
}

// Keyed binds key of l to the Mutex interface. A positive ttl releases the
// lock automatically if it is held longer than ttl.
func Keyed(l Locker, key string, ttl time.Duration) *KeyedMutex {
	return &KeyedMutex{locker: l, key: key, ttl: ttl}
}

// Key returns the bound lock name.
func (m *KeyedMutex) Key() string { return m.key }

// Lock implements Mutex.Lock.
func (m *KeyedMutex) Lock(ctx context.Context) error {
	return m.locker.Acquire(ctx, m.key, m.ttl)
}

// Unlock implements Mutex.Unlock.
func (m *KeyedMutex) Unlock(ctx context.Context) error {
	return m.locker.Release(ctx, m.key)
}
