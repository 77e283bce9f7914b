package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	lserrors "github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/lock"
	"github.com/mirkobrombin/go-lockstep/v1/metrics"
)

const tracerName = "github.com/mirkobrombin/go-lockstep/v1/worker"

func (s *Spawner) run(ctx context.Context, h *Handle, req Request) {
	out := Outcome{ID: h.id, Key: h.key, Started: time.Now()}

	var span trace.Span
	if s.traceEnabled {
		ctx, span = otel.Tracer(tracerName).Start(ctx, "Worker.Run", trace.WithAttributes(
			attribute.String("lockstep.worker.id", h.id),
			attribute.String("lockstep.worker.key", h.key),
			attribute.Int64("lockstep.delay_before_lock_ms", req.DelayBeforeLock.Milliseconds()),
			attribute.Int64("lockstep.delay_holding_lock_ms", req.DelayHoldingLock.Milliseconds()),
		))
	}

	out.Err = s.steps(ctx, h, req, &out, span)
	out.Finished = time.Now()
	if out.Err == nil {
		out.Status = StatusSucceeded
		metrics.CompletedCounter.WithLabelValues(metrics.StatusSucceeded).Inc()
		s.logger.Debug("lockstep: worker completed", "id", h.id, "key", h.key, "held", out.HoldDuration())
	} else {
		out.Status = StatusFailed
		metrics.CompletedCounter.WithLabelValues(metrics.StatusFailed).Inc()
		s.logger.Error("lockstep: worker failed", "id", h.id, "key", h.key, "error", out.Err)
	}
	if held := out.HoldDuration(); held > 0 {
		metrics.HoldHistogram.Observe(held.Seconds())
	}
	if span != nil {
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}

	// Bookkeeping is undone before the outcome is published so that a
	// joined worker is no longer counted as live.
	s.active.Add(-1)
	metrics.ActiveGauge.Dec()
	s.releaseSlot()
	if s.journal != nil {
		s.journal.record(out)
	}
	h.complete(out)
}

// steps runs the worker sequence and returns the first failure. The lock is
// never left held when steps returns.
func (s *Spawner) steps(ctx context.Context, h *Handle, req Request, out *Outcome, span trace.Span) error {
	h.setPhase(PhaseWaitingBeforeLock)
	if err := guard(func() error { return s.sleep(ctx, req.DelayBeforeLock) }); err != nil {
		return fmt.Errorf("%w: before lock: %w", lserrors.ErrSuspendFailed, err)
	}

	s.logger.Debug("lockstep: locking", "id", h.id, "key", h.key)
	if err := guard(func() error { return req.Lock.Lock(ctx) }); err != nil {
		return fmt.Errorf("%w: %w", lserrors.ErrLockAcquireFailed, err)
	}
	out.Acquired = time.Now()
	h.setPhase(PhaseHoldingLock)
	addEvent(span, "lock.acquired")

	// Release must go through even if ctx ended while holding.
	releaseCtx := context.WithoutCancel(ctx)

	if err := guard(func() error { return s.sleep(ctx, req.DelayHoldingLock) }); err != nil {
		err = fmt.Errorf("%w: holding lock: %w", lserrors.ErrSuspendFailed, err)
		if uerr := s.unlock(releaseCtx, req.Lock, out, span); uerr != nil {
			return errors.Join(err, uerr)
		}
		return err
	}
	return s.unlock(releaseCtx, req.Lock, out, span)
}

func (s *Spawner) unlock(ctx context.Context, mx lock.Mutex, out *Outcome, span trace.Span) error {
	if err := guard(func() error { return mx.Unlock(ctx) }); err != nil {
		return fmt.Errorf("%w: %w", lserrors.ErrLockReleaseFailed, err)
	}
	out.Released = time.Now()
	addEvent(span, "lock.released")
	return nil
}

// guard turns a panic in a lock implementation or sleeper into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func addEvent(span trace.Span, name string) {
	if span != nil {
		span.AddEvent(name)
	}
}
