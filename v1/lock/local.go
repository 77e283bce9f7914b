package lock

import (
	"context"
	"sync/atomic"

	lserrors "github.com/mirkobrombin/go-lockstep/v1/errors"
)

// Local is a process-local Mutex. Unlike sync.Mutex its Lock honours the
// context and unlocking a free Local returns ErrNotHeld instead of crashing
// the process. The zero value is not usable; call NewLocal.
type Local struct {
	sem          chan struct{}
	acquisitions atomic.Uint64
}

// NewLocal returns an unlocked Local.
func NewLocal() *Local {
	return &Local{sem: make(chan struct{}, 1)}
}

// Lock implements Mutex.Lock.
func (l *Local) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l.sem <- struct{}{}:
		l.acquisitions.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock obtains the lock if it is free.
func (l *Local) TryLock() bool {
	select {
	case l.sem <- struct{}{}:
		l.acquisitions.Add(1)
		return true
	default:
		return false
	}
}

// Unlock implements Mutex.Unlock.
func (l *Local) Unlock(context.Context) error {
	select {
	case <-l.sem:
		return nil
	default:
		return lserrors.ErrNotHeld
	}
}

// Held reports whether the lock is currently held.
func (l *Local) Held() bool { return len(l.sem) == 1 }

// Acquisitions returns how many times the lock has been obtained.
func (l *Local) Acquisitions() uint64 { return l.acquisitions.Load() }
