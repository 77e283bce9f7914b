package worker

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/mirkobrombin/go-lockstep/v1/lock"
)

func newTestSpawner(t *testing.T, opts ...Option) *Spawner {
	t.Helper()
	quiet := WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := NewSpawner(append([]Option{quiet}, opts...)...)
	t.Cleanup(s.Close)
	return s
}

// faultyMutex wraps a Local and can fail or panic on demand.
type faultyMutex struct {
	inner       *lock.Local
	lockErr     error
	unlockErr   error
	panicOnLock bool
	lockCalls   atomic.Int32
	unlockCalls atomic.Int32
}

func newFaultyMutex() *faultyMutex {
	return &faultyMutex{inner: lock.NewLocal()}
}

func (m *faultyMutex) Lock(ctx context.Context) error {
	m.lockCalls.Add(1)
	if m.panicOnLock {
		panic("lock exploded")
	}
	if m.lockErr != nil {
		return m.lockErr
	}
	return m.inner.Lock(ctx)
}

func (m *faultyMutex) Unlock(ctx context.Context) error {
	m.unlockCalls.Add(1)
	if m.unlockErr != nil {
		return m.unlockErr
	}
	return m.inner.Unlock(ctx)
}

// countingMutex tracks how many callers are inside the critical section.
type countingMutex struct {
	lock.Mutex
	inside atomic.Int32
	max    atomic.Int32
}

func (m *countingMutex) Lock(ctx context.Context) error {
	if err := m.Mutex.Lock(ctx); err != nil {
		return err
	}
	n := m.inside.Add(1)
	for {
		cur := m.max.Load()
		if n <= cur || m.max.CompareAndSwap(cur, n) {
			break
		}
	}
	return nil
}

func (m *countingMutex) Unlock(ctx context.Context) error {
	m.inside.Add(-1)
	return m.Mutex.Unlock(ctx)
}
