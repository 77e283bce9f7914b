// Package errors holds the sentinel errors shared by lockstep packages.
//
// Spawn-time failures (ErrAllocation, ErrSpawn) are returned to the caller of
// Spawn. Failures inside a running worker are recorded in its outcome and
// wrap one of ErrSuspendFailed, ErrLockAcquireFailed or ErrLockReleaseFailed.
package errors

import "errors"

var (
	// ErrAllocation is returned when per-worker state cannot be reserved.
	ErrAllocation = errors.New("lockstep: cannot allocate worker state")
	// ErrSpawn is returned when a worker cannot be started.
	ErrSpawn = errors.New("lockstep: cannot spawn worker")

	ErrSuspendFailed     = errors.New("lockstep: suspend failed")
	ErrLockAcquireFailed = errors.New("lockstep: lock acquire failed")
	ErrLockReleaseFailed = errors.New("lockstep: lock release failed")

	// ErrNotHeld is returned when releasing a lock that is not held.
	ErrNotHeld = errors.New("lockstep: lock not held")
)
