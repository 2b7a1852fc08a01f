package fake

import (
	"context"
	"sync"

	"hyperfleet"
)

// Compile-time interface assertion.
var _ hyperfleet.Runner = (*Runner)(nil)

// Runner executes rollout ops against in-memory machine state.
type Runner struct {
	CallRecorder
	mu       sync.Mutex
	observed hyperfleet.Observed

	RunErr     func(ctx context.Context, op hyperfleet.Op) error
	ObserveErr func(ctx context.Context) error
}

// NewRunner creates a Runner starting from the given observed state.
func NewRunner(initial hyperfleet.Observed) *Runner {
	return &Runner{observed: initial.Clone()}
}

func (r *Runner) Run(ctx context.Context, op hyperfleet.Op) error {
	r.record("Run", op.Kind.String(), op.Relation)
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.RunErr != nil {
		if err := r.RunErr(ctx, op); err != nil {
			return err
		}
	}
	r.mu.Lock()
	applyOp(&r.observed, op)
	r.mu.Unlock()
	return nil
}

func (r *Runner) Observe(ctx context.Context) (hyperfleet.Observed, error) {
	r.record("Observe")
	if r.ObserveErr != nil {
		if err := r.ObserveErr(ctx); err != nil {
			return hyperfleet.Observed{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observed.Clone(), nil
}
