// Package reconcile drives machines toward their role targets: a
// Supervisor watches the registry and fans out per-machine passes, an
// Applier executes one machine's plan under that machine's lease.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"hyperfleet"
	"hyperfleet/fleet/telemetry"
	"hyperfleet/internal/check"
	"hyperfleet/internal/registry"
)

const (
	// defaultRetryBudget is 3: transient failures tolerated per pass before the machine is marked failed.
	defaultRetryBudget = 3
	// defaultOpTimeout is 2m: agents pull images and restart services, anything slower is stuck.
	defaultOpTimeout = 2 * time.Minute
	// defaultLeaseTTL is 30s: long enough to ride out registry hiccups, short enough that a crashed applier frees the machine quickly.
	defaultLeaseTTL = 30 * time.Second
	// defaultRetryInterval is 500ms: first backoff delay, doubled per retry.
	defaultRetryInterval = 500 * time.Millisecond
	// releaseTimeout is 5s: bounds best-effort lease release and final status writes on the way out.
	releaseTimeout = 5 * time.Second
)

// Agents executes plan operations on machine daemons.
// Production: internal/rpc.AgentPool dialing each machine's API address.
// Testing: adapter/fake.Agents.
type Agents interface {
	// Apply runs one operation on the machine and returns the state the
	// agent observed afterwards.
	Apply(ctx context.Context, m hyperfleet.Machine, op hyperfleet.Op) (hyperfleet.Observed, error)
}

// Applier converges one machine onto its plan under the machine's
// lease, recording status transitions and observed state as it goes.
type Applier struct {
	Registry hyperfleet.Registry // injected: cluster membership store
	Agents   Agents              // injected: executes ops on machine daemons
	Clock    hyperfleet.Clock
	Tracer   trace.Tracer
	Holder   string // lease holder identity, normally the daemon's member ID

	// RetryBudget is the number of transient failures one pass tolerates
	// before marking the machine failed. Zero means defaultRetryBudget.
	RetryBudget int
	// OpTimeout bounds a single operation attempt. Zero means defaultOpTimeout.
	OpTimeout time.Duration
	// LeaseTTL bounds how long a crashed applier keeps a machine locked.
	// Zero means defaultLeaseTTL.
	LeaseTTL time.Duration
	// RetryInterval is the initial backoff delay between attempts.
	// Zero means defaultRetryInterval.
	RetryInterval time.Duration
}

func (a *Applier) getClock() hyperfleet.Clock {
	if a.Clock != nil {
		return a.Clock
	}
	return hyperfleet.RealClock{}
}

func (a *Applier) getTracer() trace.Tracer {
	if a.Tracer != nil {
		return a.Tracer
	}
	return otel.Tracer("hyperfleet/reconcile")
}

func (a *Applier) retryBudget() int {
	if a.RetryBudget > 0 {
		return a.RetryBudget
	}
	return defaultRetryBudget
}

func (a *Applier) opTimeout() time.Duration {
	if a.OpTimeout > 0 {
		return a.OpTimeout
	}
	return defaultOpTimeout
}

func (a *Applier) leaseTTL() time.Duration {
	if a.LeaseTTL > 0 {
		return a.LeaseTTL
	}
	return defaultLeaseTTL
}

func (a *Applier) retryInterval() time.Duration {
	if a.RetryInterval > 0 {
		return a.RetryInterval
	}
	return defaultRetryInterval
}

// Apply drives m through p. Noop plans record convergence without
// taking the machine's lease. ErrLeaseHeld reports that another applier
// currently owns the machine; the caller retries on a later pass.
func (a *Applier) Apply(ctx context.Context, m hyperfleet.Machine, p hyperfleet.Plan) error {
	check.Assert(a.Registry != nil, "Applier.Apply: Registry must not be nil")
	check.Assert(a.Agents != nil, "Applier.Apply: Agents must not be nil")

	if p.IsNoop() {
		return a.record(ctx, m.ID, func(st *hyperfleet.ConvergenceStatus) {
			st.State = hyperfleet.StateConverged
			st.Reason = ""
			st.Generation = p.Generation
			st.Retries = 0
		})
	}

	lease, err := AcquireLease(ctx, a.Registry, a.getClock(), m.ID, a.Holder, a.leaseTTL())
	if err != nil {
		return err
	}

	// Ops run under applyCtx, which dies with the lease.
	applyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	refreshDone := a.refreshLease(applyCtx, cancel, lease, m.ID)
	defer func() {
		cancel()
		<-refreshDone
		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer releaseCancel()
		if err := lease.Release(releaseCtx); err != nil {
			slog.Warn("machine lease release failed", "machine", m.ID, "err", err)
		}
	}()

	if err := a.record(ctx, m.ID, func(st *hyperfleet.ConvergenceStatus) {
		st.State = hyperfleet.StateApplying
		st.Reason = ""
		st.Generation = p.Generation
		st.Retries = 0
	}); err != nil {
		return err
	}

	if err := a.runOps(applyCtx, m, p); err != nil {
		reason := err.Error()
		if applyCtx.Err() != nil {
			reason = hyperfleet.ReasonCancelled
		}
		recordCtx, recordCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer recordCancel()
		if recordErr := a.record(recordCtx, m.ID, func(st *hyperfleet.ConvergenceStatus) {
			st.State = hyperfleet.StateFailed
			st.Reason = reason
			st.Generation = p.Generation
		}); recordErr != nil {
			slog.Warn("failed status write lost", "machine", m.ID, "err", recordErr)
		}
		return err
	}

	return a.record(ctx, m.ID, func(st *hyperfleet.ConvergenceStatus) {
		st.State = hyperfleet.StateConverged
		st.Reason = ""
		st.Generation = p.Generation
	})
}

// runOps executes the plan's operations in order under one traced
// operation, sharing a single transient retry budget across the pass.
func (a *Applier) runOps(ctx context.Context, m hyperfleet.Machine, p hyperfleet.Plan) error {
	op, err := telemetry.EmitPlan(ctx, a.getTracer(), "reconcile/"+m.ID, telemetry.FromRollout(p))
	if err != nil {
		return fmt.Errorf("emit plan: %w", err)
	}

	retries := 0
	runErr := func() error {
		for i, step := range p.Ops {
			if step.Kind == hyperfleet.OpNoop {
				continue
			}
			if err := op.RunStep(op.Context(), telemetry.StepID(i), func(stepCtx context.Context) error {
				return a.runOp(stepCtx, &m, step, &retries)
			}); err != nil {
				return err
			}
		}
		return nil
	}()
	op.End(runErr)
	return runErr
}

// budgetError marks a transient failure that exhausted the pass's
// retry budget.
type budgetError struct{ err error }

func (e *budgetError) Error() string {
	return hyperfleet.ReasonTransientExhausted + ": " + e.err.Error()
}

func (e *budgetError) Unwrap() error { return e.err }

// runOp retries one operation until it succeeds, the shared budget runs
// out, or a permanent failure surfaces. Successful ops write the agent's
// observed state back so replanning sees partial progress.
func (a *Applier) runOp(ctx context.Context, m *hyperfleet.Machine, op hyperfleet.Op, retries *int) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.retryInterval()
	bo.MaxElapsedTime = 0

	for {
		observed, err := a.attempt(ctx, *m, op)
		if err == nil {
			m.Observed = observed
			return a.saveObserved(ctx, m)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op.Describe(), ctx.Err())
		}
		if hyperfleet.Classify(err) == hyperfleet.SeverityPermanent {
			return fmt.Errorf("%s: %w", op.Describe(), err)
		}

		*retries++
		if recordErr := a.record(ctx, m.ID, func(st *hyperfleet.ConvergenceStatus) {
			st.Retries = *retries
		}); recordErr != nil {
			slog.Debug("retry count write failed", "machine", m.ID, "err", recordErr)
		}
		if *retries >= a.retryBudget() {
			return &budgetError{err: fmt.Errorf("%s: %w", op.Describe(), err)}
		}
		slog.Debug("transient op failure, backing off",
			"machine", m.ID, "op", op.Kind.String(), "retries", *retries, "err", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op.Describe(), ctx.Err())
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// attempt runs one operation attempt under the per-op timeout.
func (a *Applier) attempt(ctx context.Context, m hyperfleet.Machine, op hyperfleet.Op) (hyperfleet.Observed, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, a.opTimeout())
	defer cancel()
	return a.Agents.Apply(attemptCtx, m, op)
}

// saveObserved records what the agent reported after a successful op.
func (a *Applier) saveObserved(ctx context.Context, m *hyperfleet.Machine) error {
	updated, err := registry.UpdateMachine(ctx, a.Registry, m.ID, func(cur *hyperfleet.Machine) {
		cur.Observed = m.Observed.Clone()
		cur.UpdatedAt = a.getClock().Now().UTC()
	})
	if err != nil {
		return fmt.Errorf("record observed state: %w", err)
	}
	*m = updated
	return nil
}

// record mutates the machine's convergence status under a CAS loop.
func (a *Applier) record(ctx context.Context, machineID string, mutate func(*hyperfleet.ConvergenceStatus)) error {
	_, err := registry.UpdateStatus(ctx, a.Registry, machineID, func(st *hyperfleet.ConvergenceStatus) {
		mutate(st)
		st.UpdatedAt = a.getClock().Now().UTC()
	})
	if err != nil {
		return fmt.Errorf("record status %s: %w", machineID, err)
	}
	return nil
}

// refreshLease extends the lease at half its TTL until ctx ends. Any
// refresh failure cancels the apply.
func (a *Applier) refreshLease(ctx context.Context, cancel context.CancelFunc, lease *Lease, machineID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(a.leaseTTL() / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Refresh(ctx); err != nil {
					if ctx.Err() == nil {
						slog.Warn("machine lease lost mid-apply", "machine", machineID, "err", err)
					}
					cancel()
					return
				}
			}
		}
	}()
	return done
}
