package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	lserrors "github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/lock"
	"github.com/mirkobrombin/go-lockstep/v1/metrics"
)

// Spawner starts delayed lock workers and tracks how many are live.
type Spawner struct {
	logger       *slog.Logger
	sleep        Sleeper
	slots        *semaphore.Weighted
	journal      *journal
	traceEnabled bool

	active atomic.Int64
	closed atomic.Bool
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithLogger sets the logger used for worker diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Spawner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxWorkers caps the number of live workers. Spawn fails with
// ErrAllocation while n workers are running. A non-positive n means no cap.
func WithMaxWorkers(n int) Option {
	return func(s *Spawner) {
		if n > 0 {
			s.slots = semaphore.NewWeighted(int64(n))
		} else {
			s.slots = nil
		}
	}
}

// WithSleeper replaces the suspend primitive used for both delays.
func WithSleeper(fn Sleeper) Option {
	return func(s *Spawner) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithTracing enables OpenTelemetry spans for worker runs.
func WithTracing() Option {
	return func(s *Spawner) {
		s.traceEnabled = true
	}
}

// WithJournal keeps about size recent outcomes for Lookup.
func WithJournal(size int64) Option {
	return func(s *Spawner) {
		if size > 0 {
			s.journal = newJournal(size)
		}
	}
}

// WithMetrics registers the worker metrics on reg. Workers always update the
// collectors in package metrics; this only exposes them.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Spawner) {
		if err := metrics.EnsureWorkerMetrics(reg); err != nil {
			s.logger.Warn("lockstep: worker metrics registration failed", "error", err)
		}
	}
}

// NewSpawner returns a Spawner configured by opts.
func NewSpawner(opts ...Option) *Spawner {
	s := &Spawner{
		logger: slog.Default(),
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var defaultSpawner = NewSpawner()

// Spawn starts a worker on the default Spawner that waits before, takes mx,
// holds it for hold and releases it.
func Spawn(ctx context.Context, mx lock.Mutex, before, hold time.Duration) (*Handle, error) {
	return defaultSpawner.Spawn(ctx, Request{Lock: mx, DelayBeforeLock: before, DelayHoldingLock: hold})
}

// Spawn starts one worker for req. It fails with ErrAllocation when no
// worker slot is available and with ErrSpawn when req is invalid or the
// Spawner is closed. On error no goroutine has been started.
//
// ctx is handed to the worker: when it ends, a pending delay fails with
// ErrSuspendFailed and a pending lock acquisition with ErrLockAcquireFailed.
func (s *Spawner) Spawn(ctx context.Context, req Request) (*Handle, error) {
	if s.slots != nil && !s.slots.TryAcquire(1) {
		err := fmt.Errorf("%w: worker limit reached", lserrors.ErrAllocation)
		metrics.SpawnErrorCounter.Inc()
		s.logger.Error("lockstep: spawn failed", "error", err)
		return nil, err
	}
	if err := s.admit(req); err != nil {
		s.releaseSlot()
		metrics.SpawnErrorCounter.Inc()
		s.logger.Error("lockstep: spawn failed", "error", err)
		return nil, err
	}

	h := newHandle(uuid.NewString(), req.label())
	s.active.Add(1)
	metrics.ActiveGauge.Inc()
	metrics.SpawnCounter.Inc()
	s.logger.Debug("lockstep: worker spawned",
		"id", h.id, "key", h.key,
		"delay_before_lock", req.DelayBeforeLock,
		"delay_holding_lock", req.DelayHoldingLock)

	go s.run(ctx, h, req)
	return h, nil
}

func (s *Spawner) admit(req Request) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: spawner closed", lserrors.ErrSpawn)
	}
	return req.validate()
}

func (s *Spawner) releaseSlot() {
	if s.slots != nil {
		s.slots.Release(1)
	}
}

// Active returns the number of live workers.
func (s *Spawner) Active() int {
	return int(s.active.Load())
}

// Lookup returns the outcome of a finished worker kept by the journal.
func (s *Spawner) Lookup(id string) (Outcome, bool) {
	if s.journal == nil {
		return Outcome{}, false
	}
	return s.journal.lookup(id)
}

// Close makes further Spawn calls fail with ErrSpawn and drops the journal.
// Running workers are not interrupted.
func (s *Spawner) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.journal != nil {
		s.journal.close()
	}
}
