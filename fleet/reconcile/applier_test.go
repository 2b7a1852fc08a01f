package reconcile

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"hyperfleet"
	"hyperfleet/internal/adapter/fake"
	"hyperfleet/internal/registry"
)

var _ Agents = (*fake.Agents)(nil)

func newTestApplier(t *testing.T) (*Applier, *fake.Store, *fake.Agents, *fake.Clock) {
	t.Helper()
	clock := fake.NewClock(time.Unix(1700000000, 0))
	store := fake.NewStore(clock)
	agents := fake.NewAgents()
	a := &Applier{
		Registry:      store.Registry("node-1"),
		Agents:        agents,
		Clock:         clock,
		Holder:        "node-1",
		LeaseTTL:      time.Second,
		RetryInterval: time.Millisecond,
	}
	return a, store, agents, clock
}

func testMachine(id string) hyperfleet.Machine {
	return hyperfleet.Machine{
		ID:      id,
		Name:    id,
		Address: netip.MustParseAddrPort("10.0.0.10:7443"),
		Role:    "hypervisor",
	}
}

func seedMachine(t *testing.T, reg hyperfleet.Registry, m hyperfleet.Machine) {
	t.Helper()
	if _, err := registry.SaveMachine(context.Background(), reg, m, 0); err != nil {
		t.Fatalf("seed machine %s: %v", m.ID, err)
	}
}

func readStatus(t *testing.T, reg hyperfleet.Registry, machineID string) hyperfleet.ConvergenceStatus {
	t.Helper()
	st, _, err := registry.Status(context.Background(), reg, machineID)
	if err != nil {
		t.Fatalf("read status %s: %v", machineID, err)
	}
	return st
}

func readMachine(t *testing.T, reg hyperfleet.Registry, id string) hyperfleet.Machine {
	t.Helper()
	m, _, err := registry.Machine(context.Background(), reg, id)
	if err != nil {
		t.Fatalf("read machine %s: %v", id, err)
	}
	return m
}

func testPlan(machineID string, gen uint64, ops ...hyperfleet.Op) hyperfleet.Plan {
	return hyperfleet.Plan{MachineID: machineID, Role: "hypervisor", Generation: gen, Ops: ops}
}

func TestApplierNoopRecordsConverged(t *testing.T) {
	a, _, agents, _ := newTestApplier(t)
	reg := a.Registry
	m := testMachine("m1")
	seedMachine(t, reg, m)

	p := testPlan("m1", 3, hyperfleet.Op{Kind: hyperfleet.OpNoop})
	if err := a.Apply(context.Background(), m, p); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	st := readStatus(t, reg, "m1")
	if st.State != hyperfleet.StateConverged {
		t.Fatalf("State = %v, want %v", st.State, hyperfleet.StateConverged)
	}
	if st.Generation != 3 {
		t.Fatalf("Generation = %d, want 3", st.Generation)
	}
	if calls := agents.Calls("Apply"); len(calls) != 0 {
		t.Fatalf("agent Apply calls = %d, want 0", len(calls))
	}
	if _, err := reg.Get(context.Background(), hyperfleet.LeaseKey("m1")); !errdefs.IsNotFound(err) {
		t.Fatalf("noop plan touched the machine lease: %v", err)
	}
}

func TestApplierRunsOpsAndRecordsObserved(t *testing.T) {
	a, _, agents, _ := newTestApplier(t)
	reg := a.Registry
	m := testMachine("m1")
	seedMachine(t, reg, m)

	binding := hyperfleet.RelationBinding{Relation: "rabbitmq", Endpoint: "amqp://10.0.0.5:5672"}
	p := testPlan("m1", 1,
		hyperfleet.Op{Kind: hyperfleet.OpApplyConfig, Channel: "2024.1/stable", Config: map[string]string{"debug": "false"}},
		hyperfleet.Op{Kind: hyperfleet.OpRebindRelation, Relation: "rabbitmq", Binding: binding},
	)
	if err := a.Apply(context.Background(), m, p); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	st := readStatus(t, reg, "m1")
	if st.State != hyperfleet.StateConverged || st.Generation != 1 {
		t.Fatalf("status = %v gen %d, want converged gen 1", st.State, st.Generation)
	}
	got := readMachine(t, reg, "m1")
	if got.Observed.Channel != "2024.1/stable" {
		t.Fatalf("observed channel = %q, want 2024.1/stable", got.Observed.Channel)
	}
	if got.Observed.Config["debug"] != "false" {
		t.Fatalf("observed config = %v, want debug=false", got.Observed.Config)
	}
	if got.Observed.Bindings["rabbitmq"] != binding {
		t.Fatalf("observed binding = %+v, want %+v", got.Observed.Bindings["rabbitmq"], binding)
	}
	if calls := agents.Calls("Apply"); len(calls) != 2 {
		t.Fatalf("agent Apply calls = %d, want 2", len(calls))
	}
	if _, err := reg.Get(context.Background(), hyperfleet.LeaseKey("m1")); !errdefs.IsNotFound(err) {
		t.Fatalf("lease not released after pass: %v", err)
	}
}

func TestApplierMarksApplyingDuringOps(t *testing.T) {
	a, _, agents, _ := newTestApplier(t)
	reg := a.Registry
	m := testMachine("m1")
	seedMachine(t, reg, m)

	var seen hyperfleet.ConvergenceState
	agents.ApplyFunc = func(ctx context.Context, m hyperfleet.Machine, op hyperfleet.Op) error {
		st, _, err := registry.Status(ctx, reg, m.ID)
		if err != nil {
			return err
		}
		seen = st.State
		return nil
	}

	p := testPlan("m1", 1, hyperfleet.Op{Kind: hyperfleet.OpApplyConfig, Channel: "2024.1/stable"})
	if err := a.Apply(context.Background(), m, p); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if seen != hyperfleet.StateApplying {
		t.Fatalf("state during op = %v, want %v", seen, hyperfleet.StateApplying)
	}
}

func TestApplierLeaseHeldSkips(t *testing.T) {
	a, store, agents, clock := newTestApplier(t)
	reg := a.Registry
	m := testMachine("m1")
	seedMachine(t, reg, m)

	other := store.Registry("node-2")
	if _, err := AcquireLease(context.Background(), other, clock, "m1", "node-2", time.Minute); err != nil {
		t.Fatalf("acquire competing lease: %v", err)
	}

	p := testPlan("m1", 1, hyperfleet.Op{Kind: hyperfleet.OpApplyConfig, Channel: "2024.1/stable"})
	err := a.Apply(context.Background(), m, p)
	if !errors.Is(err, hyperfleet.ErrLeaseHeld) {
		t.Fatalf("Apply() error = %v, want ErrLeaseHeld", err)
	}
	if calls := agents.Calls("Apply"); len(calls) != 0 {
		t.Fatalf("agent Apply calls = %d, want 0", len(calls))
	}
	if _, _, err := registry.Status(context.Background(), reg, "m1"); !errdefs.IsNotFound(err) {
		t.Fatalf("skipped apply wrote a status: %v", err)
	}
}

func TestApplierExpiredLeaseIsTakenOver(t *testing.T) {
	a, store, _, clock := newTestApplier(t)
	reg := a.Registry
	m := testMachine("m1")
	seedMachine(t, reg, m)

	other := store.Registry("node-2")
	if _, err := AcquireLease(context.Background(), other, clock, "m1", "node-2", time.Minute); err != nil {
		t.Fatalf("acquire competing lease: %v", err)
	}
	clock.Advance(2 * time.Minute)

	p := testPlan("m1", 1, hyperfleet.Op{Kind: hyperfleet.OpApplyConfig, Channel: "2024.1/stable"})
	if err := a.Apply(context.Background(), m, p); err != nil {
		t.Fatalf("Apply() after lease expiry error = %v", err)
	}
	if st := readStatus(t, reg, "m1"); st.State != hyperfleet.StateConverged {
		t.Fatalf("State = %v, want %v", st.State, hyperfleet.StateConverged)
	}
}

func TestApplierTransientExhaustsBudget(t *testing.T) {
	a, _, agents, _ := newTestApplier(t)
	reg := a.Registry
	m := testMachine("m2")
	seedMachine(t, reg, m)

	agents.FailNext("m2", context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded)

	p := testPlan("m2", 1, hyperfleet.Op{Kind: hyperfleet.OpApplyConfig, Channel: "2024.1/stable"})
	err := a.Apply(context.Background(), m, p)
	if err == nil {
		t.Fatal("Apply() succeeded, want budget exhaustion")
	}

	st := readStatus(t, reg, "m2")
	if st.State != hyperfleet.StateFailed {
		t.Fatalf("State = %v, want %v", st.State, hyperfleet.StateFailed)
	}
	if !strings.HasPrefix(st.Reason, hyperfleet.ReasonTransientExhausted) {
		t.Fatalf("Reason = %q, want %q prefix", st.Reason, hyperfleet.ReasonTransientExhausted)
	}
	if st.Retries != 3 {
		t.Fatalf("Retries = %d, want 3", st.Retries)
	}
	if calls := agents.Calls("Apply"); len(calls) != 3 {
		t.Fatalf("agent Apply calls = %d, want 3", len(calls))
	}
}

func TestApplierRecoversWithinBudget(t *testing.T) {
	a, _, agents, _ := newTestApplier(t)
	reg := a.Registry
	m := testMachine("m1")
	seedMachine(t, reg, m)

	agents.FailNext("m1", context.DeadlineExceeded)

	p := testPlan("m1", 2, hyperfleet.Op{Kind: hyperfleet.OpApplyConfig, Channel: "2024.1/stable"})
	if err := a.Apply(context.Background(), m, p); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	st := readStatus(t, reg, "m1")
	if st.State != hyperfleet.StateConverged {
		t.Fatalf("State = %v, want %v", st.State, hyperfleet.StateConverged)
	}
	if st.Retries != 1 {
		t.Fatalf("Retries = %d, want 1", st.Retries)
	}
}

func TestApplierPermanentFailureFailsFast(t *testing.T) {
	a, _, agents, _ := newTestApplier(t)
	reg := a.Registry
	m := testMachine("m1")
	seedMachine(t, reg, m)

	agents.FailNext("m1", errors.New("channel 2024.1/stable not available on this machine"))

	p := testPlan("m1", 1, hyperfleet.Op{Kind: hyperfleet.OpApplyConfig, Channel: "2024.1/stable"})
	err := a.Apply(context.Background(), m, p)
	if err == nil {
		t.Fatal("Apply() succeeded, want permanent failure")
	}

	st := readStatus(t, reg, "m1")
	if st.State != hyperfleet.StateFailed {
		t.Fatalf("State = %v, want %v", st.State, hyperfleet.StateFailed)
	}
	if !strings.Contains(st.Reason, "not available") {
		t.Fatalf("Reason = %q, want the agent error", st.Reason)
	}
	if st.Retries != 0 {
		t.Fatalf("Retries = %d, want 0", st.Retries)
	}
	if calls := agents.Calls("Apply"); len(calls) != 1 {
		t.Fatalf("agent Apply calls = %d, want 1: permanent failures must not retry", len(calls))
	}
}

func TestApplierCancellationRecordsCancelled(t *testing.T) {
	a, _, agents, _ := newTestApplier(t)
	reg := a.Registry
	m := testMachine("m1")
	seedMachine(t, reg, m)

	ctx, cancel := context.WithCancel(context.Background())
	agents.ApplyFunc = func(opCtx context.Context, _ hyperfleet.Machine, _ hyperfleet.Op) error {
		cancel()
		<-opCtx.Done()
		return opCtx.Err()
	}

	p := testPlan("m1", 1, hyperfleet.Op{Kind: hyperfleet.OpApplyConfig, Channel: "2024.1/stable"})
	if err := a.Apply(ctx, m, p); err == nil {
		t.Fatal("Apply() succeeded, want cancellation")
	}

	st := readStatus(t, reg, "m1")
	if st.State != hyperfleet.StateFailed {
		t.Fatalf("State = %v, want %v", st.State, hyperfleet.StateFailed)
	}
	if st.Reason != hyperfleet.ReasonCancelled {
		t.Fatalf("Reason = %q, want %q", st.Reason, hyperfleet.ReasonCancelled)
	}
}

func TestApplierLeaseRevocationCancelsApply(t *testing.T) {
	a, _, agents, _ := newTestApplier(t)
	a.LeaseTTL = 40 * time.Millisecond
	reg := a.Registry
	m := testMachine("m1")
	seedMachine(t, reg, m)

	agents.ApplyFunc = func(opCtx context.Context, m hyperfleet.Machine, _ hyperfleet.Op) error {
		if err := reg.Delete(opCtx, hyperfleet.LeaseKey(m.ID), 0); err != nil {
			return err
		}
		<-opCtx.Done()
		return opCtx.Err()
	}

	p := testPlan("m1", 1, hyperfleet.Op{Kind: hyperfleet.OpApplyConfig, Channel: "2024.1/stable"})
	if err := a.Apply(context.Background(), m, p); err == nil {
		t.Fatal("Apply() succeeded, want revocation failure")
	}

	st := readStatus(t, reg, "m1")
	if st.State != hyperfleet.StateFailed {
		t.Fatalf("State = %v, want %v", st.State, hyperfleet.StateFailed)
	}
	if st.Reason != hyperfleet.ReasonCancelled {
		t.Fatalf("Reason = %q, want %q", st.Reason, hyperfleet.ReasonCancelled)
	}
}

func TestApplierPartialProgressSurvivesFailure(t *testing.T) {
	a, _, agents, _ := newTestApplier(t)
	reg := a.Registry
	m := testMachine("m1")
	seedMachine(t, reg, m)

	// First op succeeds, second op burns the budget.
	agents.ApplyFunc = func(_ context.Context, _ hyperfleet.Machine, op hyperfleet.Op) error {
		if op.Kind == hyperfleet.OpRebindRelation {
			return context.DeadlineExceeded
		}
		return nil
	}

	p := testPlan("m1", 1,
		hyperfleet.Op{Kind: hyperfleet.OpApplyConfig, Channel: "2024.1/stable"},
		hyperfleet.Op{Kind: hyperfleet.OpRebindRelation, Relation: "rabbitmq", Binding: hyperfleet.RelationBinding{Relation: "rabbitmq", Endpoint: "amqp://10.0.0.5:5672"}},
	)
	if err := a.Apply(context.Background(), m, p); err == nil {
		t.Fatal("Apply() succeeded, want failure on second op")
	}

	got := readMachine(t, reg, "m1")
	if got.Observed.Channel != "2024.1/stable" {
		t.Fatalf("observed channel = %q, want the first op recorded", got.Observed.Channel)
	}
	if _, bound := got.Observed.Bindings["rabbitmq"]; bound {
		t.Fatal("failed op left a binding behind")
	}
}
