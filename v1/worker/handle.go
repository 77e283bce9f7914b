package worker

import (
	"context"
	"sync/atomic"
)

// Handle refers to a spawned worker.
type Handle struct {
	id    string
	key   string
	phase atomic.Int32

	done    chan struct{}
	outcome Outcome // written once, before done is closed
}

func newHandle(id, key string) *Handle {
	return &Handle{id: id, key: key, done: make(chan struct{})}
}

// ID returns the unique worker id.
func (h *Handle) ID() string { return h.id }

// Key returns the label of the worker's request.
func (h *Handle) Key() string { return h.key }

// Phase returns the current phase of the worker.
func (h *Handle) Phase() Phase { return Phase(h.phase.Load()) }

// Done is closed once the outcome is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Join blocks until the worker terminates and returns its outcome. It may be
// called any number of times.
func (h *Handle) Join() Outcome {
	<-h.done
	return h.outcome
}

// Wait is like Join but gives up when ctx ends, returning a pending outcome
// and ctx.Err(). The worker keeps running.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{ID: h.id, Key: h.key, Status: StatusPending}, ctx.Err()
	}
}

// Status returns the worker status without blocking. It stays
// StatusPending until the outcome has been published.
func (h *Handle) Status() Status {
	select {
	case <-h.done:
		return h.outcome.Status
	default:
		return StatusPending
	}
}

func (h *Handle) setPhase(p Phase) { h.phase.Store(int32(p)) }

func (h *Handle) complete(out Outcome) {
	h.outcome = out
	h.setPhase(PhaseCompleted)
	close(h.done)
}
