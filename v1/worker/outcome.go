package worker

import "time"

// Status is the tri-state result of a worker.
type Status int32

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Phase is the position of a worker in its run:
// Created -> WaitingBeforeLock -> HoldingLock -> Completed.
// A worker that fails before taking the lock goes straight to Completed.
type Phase int32

const (
	PhaseCreated Phase = iota
	PhaseWaitingBeforeLock
	PhaseHoldingLock
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseWaitingBeforeLock:
		return "waiting_before_lock"
	case PhaseHoldingLock:
		return "holding_lock"
	case PhaseCompleted:
		return "completed"
	}
	return "unknown"
}

// Outcome is the final record of a worker run.
type Outcome struct {
	ID     string
	Key    string
	Status Status
	// Err wraps ErrSuspendFailed, ErrLockAcquireFailed or
	// ErrLockReleaseFailed together with the underlying cause.
	Err error

	Started  time.Time
	Acquired time.Time // zero if the lock was never taken
	Released time.Time // zero if the lock was never released
	Finished time.Time
}

// Success reports whether the worker completed every step.
func (o Outcome) Success() bool { return o.Status == StatusSucceeded }

// HoldDuration returns how long the lock was held.
func (o Outcome) HoldDuration() time.Duration {
	if o.Acquired.IsZero() || o.Released.IsZero() {
		return 0
	}
	return o.Released.Sub(o.Acquired)
}

// Elapsed returns the time from start to completion.
func (o Outcome) Elapsed() time.Duration {
	if o.Finished.IsZero() {
		return 0
	}
	return o.Finished.Sub(o.Started)
}
