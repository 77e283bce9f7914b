package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// JoinAll waits for every handle concurrently and returns their outcomes in
// argument order. The error is non-nil only if ctx ends before all workers
// terminate; in that case unfinished workers report StatusPending. Worker
// failures are in the outcomes, see FirstFailure.
func JoinAll(ctx context.Context, handles ...*Handle) ([]Outcome, error) {
	outs := make([]Outcome, len(handles))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		if h == nil {
			continue
		}
		i, h := i, h
		g.Go(func() error {
			out, err := h.Wait(gctx)
			outs[i] = out
			return err
		})
	}
	return outs, g.Wait()
}

// FirstFailure returns the error of the first failed outcome, or nil.
func FirstFailure(outs []Outcome) error {
	for _, out := range outs {
		if out.Status == StatusFailed {
			return out.Err
		}
	}
	return nil
}
