// Package worker runs delayed lock workers.
//
// A worker is one goroutine that waits, takes a shared lock, holds it for a
// while, releases it and reports how that went:
//
//	mx := lock.NewLocal()
//	h, err := worker.Spawn(ctx, mx, 25*time.Millisecond, 25*time.Millisecond)
//	if err != nil {
//		return err // ErrAllocation or ErrSpawn
//	}
//	if out := h.Join(); !out.Success() {
//		return out.Err
//	}
//
// Every failure inside the worker is recorded in its Outcome; nothing is
// raised across the goroutine boundary. The outcome is published once,
// through a completion cell, so reading it after Join never races with the
// worker.
package worker
