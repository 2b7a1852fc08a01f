package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"hyperfleet"
	"hyperfleet/fleet/plan"
	"hyperfleet/fleet/relation"
	"hyperfleet/internal/check"
	"hyperfleet/internal/registry"
)

const (
	// fullResyncInterval is 30s: long enough to batch changes, short enough to catch missed watch events.
	fullResyncInterval = 30 * time.Second
	// heartbeatInterval is 1s: frequent enough for sub-second freshness tracking.
	heartbeatInterval = 1 * time.Second
	// maxWatchRetries is 30: ~30s of retries before giving up on a registry watch.
	maxWatchRetries = 30
	// watchRetryInterval is 1s: pause between watch attempts while the store recovers.
	watchRetryInterval = 1 * time.Second
	// maxHeartbeatFailures is 10: consecutive heartbeat write failures before logging a warning.
	maxHeartbeatFailures = 10
	// defaultParallel is 4: bounds concurrent agent RPCs from one daemon.
	defaultParallel = 4
)

// heartbeat is the stored liveness record for one daemon.
type heartbeat struct {
	Member string    `json:"member"`
	At     time.Time `json:"at"`
}

// Supervisor runs convergence passes: on every registry change to
// targets, machines, or offers, and at least once per resync interval,
// it replans every machine of every targeted role and hands non-noop
// plans to the Applier. Every daemon runs one; the machine lease keeps
// concurrent supervisors off the same machine.
type Supervisor struct {
	Self      hyperfleet.Member   // this daemon's member identity
	Registry  hyperfleet.Registry // injected: cluster membership store
	Applier   *Applier            // injected: executes per-machine passes
	Clock     hyperfleet.Clock
	OnEvent   func(eventType, message string)
	OnFailure func(error)

	// Parallel bounds concurrent per-machine applies. Zero means defaultParallel.
	Parallel int
}

func (s *Supervisor) getClock() hyperfleet.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return hyperfleet.RealClock{}
}

func (s *Supervisor) parallel() int {
	if s.Parallel > 0 {
		return s.Parallel
	}
	return defaultParallel
}

func (s *Supervisor) emit(eventType, message string) {
	if s.OnEvent != nil {
		s.OnEvent(eventType, message)
	}
	slog.Debug("supervisor event", "event", eventType, "message", message)
}

func (s *Supervisor) fail(err error) {
	if s.OnFailure != nil {
		s.OnFailure(err)
	}
	if err != nil {
		slog.Warn("supervisor failure", "err", err)
	}
}

func (s *Supervisor) Run(ctx context.Context) error {
	check.Assert(s.Registry != nil, "Supervisor.Run: Registry must not be nil")
	check.Assert(s.Applier != nil, "Supervisor.Run: Applier must not be nil")
	check.Assert(s.Self.ID != "", "Supervisor.Run: Self.ID must not be empty")

	go s.runHeartbeat(ctx)

	roleCh, err := s.watchWithRetry(ctx, hyperfleet.PrefixRoles)
	if err != nil {
		return err
	}
	machineCh, err := s.watchWithRetry(ctx, hyperfleet.PrefixMachines)
	if err != nil {
		return err
	}
	offerCh, err := s.watchWithRetry(ctx, hyperfleet.PrefixOffers)
	if err != nil {
		return err
	}

	s.emit("supervisor.ready", fmt.Sprintf("member %s watching fleet state", s.Self.ID))
	s.pass(ctx)

	ticker := time.NewTicker(fullResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-roleCh:
			if !ok {
				if roleCh, err = s.watchWithRetry(ctx, hyperfleet.PrefixRoles); err != nil {
					return err
				}
				s.emit("watch.restored", hyperfleet.PrefixRoles)
			}
			s.pass(ctx)
		case _, ok := <-machineCh:
			if !ok {
				if machineCh, err = s.watchWithRetry(ctx, hyperfleet.PrefixMachines); err != nil {
					return err
				}
				s.emit("watch.restored", hyperfleet.PrefixMachines)
			}
			s.pass(ctx)
		case _, ok := <-offerCh:
			if !ok {
				if offerCh, err = s.watchWithRetry(ctx, hyperfleet.PrefixOffers); err != nil {
					return err
				}
				s.emit("watch.restored", hyperfleet.PrefixOffers)
			}
			s.pass(ctx)
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

// pass replans every machine whose role has an active target and fans
// the non-noop ones out to the Applier. Failures stay per-machine; one
// stuck machine never blocks the rest of the fleet.
func (s *Supervisor) pass(ctx context.Context) {
	targets, err := registry.Targets(ctx, s.Registry)
	if err != nil {
		s.fail(fmt.Errorf("list targets: %w", err))
		return
	}
	if len(targets) == 0 {
		return
	}
	offers, err := registry.Offers(ctx, s.Registry)
	if err != nil {
		s.fail(fmt.Errorf("list offers: %w", err))
		return
	}
	machines, err := registry.Machines(ctx, s.Registry)
	if err != nil {
		s.fail(fmt.Errorf("list machines: %w", err))
		return
	}
	statuses, err := registry.Statuses(ctx, s.Registry)
	if err != nil {
		s.fail(fmt.Errorf("list statuses: %w", err))
		return
	}

	var g errgroup.Group
	g.SetLimit(s.parallel())
	examined := 0
	for _, m := range machines {
		target, ok := targets[m.Role]
		if !ok || m.Paused {
			continue
		}
		examined++
		g.Go(func() error {
			s.converge(ctx, m, target, offers, statuses[m.ID])
			return nil
		})
	}
	_ = g.Wait()
	if examined > 0 {
		s.emit("pass.complete", fmt.Sprintf("examined %d machines", examined))
	}
}

// converge resolves, plans, and applies one machine. Mid-flight
// resolution failures park the machine paused for operator attention
// instead of burning retries on a target that can no longer bind.
func (s *Supervisor) converge(ctx context.Context, m hyperfleet.Machine, target hyperfleet.RoleTarget, offers []hyperfleet.Offer, st hyperfleet.ConvergenceStatus) {
	bindings, err := relation.Resolve(target, offers, m.Observed.Bindings)
	if err != nil {
		var unresolved *relation.UnresolvedError
		if errors.As(err, &unresolved) {
			s.park(ctx, m, target, unresolved)
			return
		}
		s.fail(fmt.Errorf("resolve %s: %w", m.ID, err))
		return
	}

	// Failed machines re-enter the cycle through pending. The CAS loop
	// rechecks stored state, so another daemon's in-flight apply wins.
	if st.State == hyperfleet.StateFailed {
		if err := s.Applier.record(ctx, m.ID, func(st *hyperfleet.ConvergenceStatus) {
			if st.State == hyperfleet.StateFailed {
				st.State = hyperfleet.StatePending
				st.Reason = ""
				st.Retries = 0
			}
		}); err != nil {
			s.fail(err)
			return
		}
	}

	p := plan.Compute(m, target, bindings)
	if p.IsNoop() && st.State == hyperfleet.StateConverged && st.Generation == target.Generation {
		return
	}

	switch err := s.Applier.Apply(ctx, m, p); {
	case errors.Is(err, hyperfleet.ErrLeaseHeld):
		slog.Debug("machine leased elsewhere, skipping", "machine", m.ID)
	case err != nil:
		s.emit("converge.error", fmt.Sprintf("%s: %v", m.ID, err))
		s.fail(fmt.Errorf("converge %s: %w", m.ID, err))
	default:
		s.emit("converge.success", m.ID)
	}
}

// park pauses a machine whose mandatory relations no longer resolve and
// records the failure. An operator resumes it after restoring or
// rebinding the missing offers.
func (s *Supervisor) park(ctx context.Context, m hyperfleet.Machine, target hyperfleet.RoleTarget, unresolved *relation.UnresolvedError) {
	if _, err := registry.UpdateMachine(ctx, s.Registry, m.ID, func(cur *hyperfleet.Machine) {
		cur.Paused = true
	}); err != nil {
		s.fail(fmt.Errorf("pause %s: %w", m.ID, err))
		return
	}
	if err := s.Applier.record(ctx, m.ID, func(st *hyperfleet.ConvergenceStatus) {
		st.State = hyperfleet.StateFailed
		st.Reason = unresolved.Error()
		st.Generation = target.Generation
	}); err != nil {
		s.fail(fmt.Errorf("park %s: %w", m.ID, err))
		return
	}
	s.emit("converge.paused", fmt.Sprintf("%s: %s", m.ID, unresolved.Error()))
}

// runHeartbeat advertises daemon liveness once per heartbeatInterval.
func (s *Supervisor) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var consecutiveFailures int
	for {
		beat, err := json.Marshal(heartbeat{Member: s.Self.ID, At: s.getClock().Now().UTC()})
		check.Assertf(err == nil, "runHeartbeat: encode heartbeat: %v", err)
		if _, err := s.Registry.Put(ctx, hyperfleet.HeartbeatKey(s.Self.ID), beat); err != nil {
			consecutiveFailures++
			if consecutiveFailures == maxHeartbeatFailures {
				slog.Warn("heartbeat writes failing repeatedly", "failures", consecutiveFailures, "err", err)
			}
		} else {
			consecutiveFailures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchWithRetry establishes a registry watch, retrying while the store
// is briefly unavailable.
func (s *Supervisor) watchWithRetry(ctx context.Context, prefix string) (<-chan hyperfleet.RegistryEvent, error) {
	var lastErr error
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, err := s.Registry.Watch(ctx, prefix)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		slog.Debug("registry watch failed, retrying", "prefix", prefix, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(watchRetryInterval):
		}
	}
	return nil, fmt.Errorf("watch %s: %w", prefix, lastErr)
}
