package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"hyperfleet"
	"hyperfleet/internal/adapter/fake"
	"hyperfleet/internal/registry"
)

func hypervisorTarget(gen uint64) hyperfleet.RoleTarget {
	return hyperfleet.RoleTarget{
		Role:    "hypervisor",
		Channel: "2024.1/stable",
		Config:  map[string]string{"debug": "false"},
		Relations: []hyperfleet.Relation{
			{Name: "rabbitmq", Mandatory: true},
			{Name: "ceilometer"},
		},
		Generation: gen,
	}
}

func writeTarget(t *testing.T, reg hyperfleet.Registry, target hyperfleet.RoleTarget) {
	t.Helper()
	ctx := context.Background()
	prev := int64(0)
	if _, rev, err := registry.Target(ctx, reg, target.Role); err == nil {
		prev = rev
	}
	if _, err := registry.SaveTarget(ctx, reg, target, prev); err != nil {
		t.Fatalf("write target %s: %v", target.Role, err)
	}
}

func seedOffer(t *testing.T, reg hyperfleet.Registry, name, endpoint string) {
	t.Helper()
	if err := registry.SaveOffer(context.Background(), reg, hyperfleet.Offer{Name: name, Endpoint: endpoint}); err != nil {
		t.Fatalf("seed offer %s: %v", name, err)
	}
}

func newTestSupervisor(t *testing.T, store *fake.Store, agents *fake.Agents, clock *fake.Clock, node string) *Supervisor {
	t.Helper()
	reg := store.Registry(node)
	return &Supervisor{
		Self:     hyperfleet.Member{ID: node, Name: node},
		Registry: reg,
		Applier: &Applier{
			Registry:      reg,
			Agents:        agents,
			Clock:         clock,
			Holder:        node,
			LeaseTTL:      time.Second,
			RetryInterval: time.Millisecond,
		},
		Clock:    clock,
		Parallel: 2,
	}
}

func startSupervisor(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("supervisor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisorConvergesFleet(t *testing.T) {
	clock := fake.NewClock(time.Unix(1700000000, 0))
	store := fake.NewStore(clock)
	agents := fake.NewAgents()
	reg := store.Registry("node-1")
	ctx := context.Background()

	seedMachine(t, reg, testMachine("m1"))
	seedMachine(t, reg, testMachine("m2"))
	storage := testMachine("m3")
	storage.Role = "storage"
	seedMachine(t, reg, storage)

	seedOffer(t, reg, "rabbitmq", "amqp://10.0.0.5:5672")
	writeTarget(t, reg, hypervisorTarget(1))

	startSupervisor(t, newTestSupervisor(t, store, agents, clock, "node-1"))

	waitFor(t, 5*time.Second, "m1 and m2 to converge", func() bool {
		sts, err := registry.Statuses(ctx, reg)
		if err != nil {
			return false
		}
		return sts["m1"].State == hyperfleet.StateConverged && sts["m1"].Generation == 1 &&
			sts["m2"].State == hyperfleet.StateConverged && sts["m2"].Generation == 1
	})

	m1 := readMachine(t, reg, "m1")
	if m1.Observed.Channel != "2024.1/stable" || m1.Observed.Config["debug"] != "false" {
		t.Fatalf("m1 observed = %+v, want target channel and config", m1.Observed)
	}
	if got := m1.Observed.Bindings["rabbitmq"].Endpoint; got != "amqp://10.0.0.5:5672" {
		t.Fatalf("m1 rabbitmq endpoint = %q, want the offered one", got)
	}
	if !m1.Observed.Bindings["ceilometer"].Absent {
		t.Fatal("m1 ceilometer binding should be absent, no offer exists")
	}

	// Machines outside any targeted role are left alone.
	if _, _, err := registry.Status(ctx, reg, "m3"); !errdefs.IsNotFound(err) {
		t.Fatalf("m3 status read = %v, want not found", err)
	}

	// The daemon advertises liveness from startup.
	if _, err := reg.Get(ctx, hyperfleet.HeartbeatKey("node-1")); err != nil {
		t.Fatalf("heartbeat record: %v", err)
	}

	// A new generation propagates through the roles watch.
	next := hypervisorTarget(2)
	next.Config["debug"] = "true"
	writeTarget(t, reg, next)

	waitFor(t, 5*time.Second, "generation 2 to converge", func() bool {
		sts, err := registry.Statuses(ctx, reg)
		if err != nil {
			return false
		}
		return sts["m1"].State == hyperfleet.StateConverged && sts["m1"].Generation == 2 &&
			sts["m2"].State == hyperfleet.StateConverged && sts["m2"].Generation == 2
	})
	if got := readMachine(t, reg, "m1").Observed.Config["debug"]; got != "true" {
		t.Fatalf("m1 debug = %q after generation 2, want true", got)
	}
}

func TestSupervisorIsolatesFailedMachine(t *testing.T) {
	clock := fake.NewClock(time.Unix(1700000000, 0))
	store := fake.NewStore(clock)
	agents := fake.NewAgents()
	reg := store.Registry("node-1")
	ctx := context.Background()

	var m2Healthy atomic.Bool
	agents.ApplyFunc = func(_ context.Context, m hyperfleet.Machine, _ hyperfleet.Op) error {
		if m.ID == "m2" && !m2Healthy.Load() {
			return context.DeadlineExceeded
		}
		return nil
	}

	seedMachine(t, reg, testMachine("m1"))
	seedMachine(t, reg, testMachine("m2"))
	seedOffer(t, reg, "rabbitmq", "amqp://10.0.0.5:5672")
	writeTarget(t, reg, hypervisorTarget(1))

	startSupervisor(t, newTestSupervisor(t, store, agents, clock, "node-1"))

	waitFor(t, 5*time.Second, "m1 converged and m2 failed", func() bool {
		sts, err := registry.Statuses(ctx, reg)
		if err != nil {
			return false
		}
		return sts["m1"].State == hyperfleet.StateConverged &&
			sts["m2"].State == hyperfleet.StateFailed
	})

	st := readStatus(t, reg, "m2")
	if !strings.HasPrefix(st.Reason, hyperfleet.ReasonTransientExhausted) {
		t.Fatalf("m2 Reason = %q, want %q prefix", st.Reason, hyperfleet.ReasonTransientExhausted)
	}
	if st.Retries != 3 {
		t.Fatalf("m2 Retries = %d, want 3", st.Retries)
	}

	// m1 converged on the first pass and was never touched again.
	m1Calls := 0
	for _, c := range agents.Calls("Apply") {
		if c.Args[0] == "m1" {
			m1Calls++
		}
	}
	if m1Calls != 3 {
		t.Fatalf("m1 agent calls = %d, want exactly one apply per op", m1Calls)
	}

	// Once the agent recovers, the next pass walks m2 back through
	// pending and converges it.
	m2Healthy.Store(true)
	if _, err := registry.UpdateMachine(ctx, reg, "m2", func(*hyperfleet.Machine) {}); err != nil {
		t.Fatalf("poke m2: %v", err)
	}

	waitFor(t, 5*time.Second, "m2 to recover", func() bool {
		sts, err := registry.Statuses(ctx, reg)
		if err != nil {
			return false
		}
		return sts["m2"].State == hyperfleet.StateConverged && sts["m2"].Generation == 1
	})
}

func TestSupervisorsShareFleetViaLeases(t *testing.T) {
	clock := fake.NewClock(time.Unix(1700000000, 0))
	store := fake.NewStore(clock)
	agents := fake.NewAgents()
	reg := store.Registry("node-1")
	ctx := context.Background()

	var mu sync.Mutex
	active := make(map[string]int)
	overlapped := false
	agents.ApplyFunc = func(_ context.Context, m hyperfleet.Machine, _ hyperfleet.Op) error {
		mu.Lock()
		active[m.ID]++
		if active[m.ID] > 1 {
			overlapped = true
		}
		mu.Unlock()
		time.Sleep(3 * time.Millisecond)
		mu.Lock()
		active[m.ID]--
		mu.Unlock()
		return nil
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		seedMachine(t, reg, testMachine(id))
	}
	seedOffer(t, reg, "rabbitmq", "amqp://10.0.0.5:5672")
	writeTarget(t, reg, hypervisorTarget(1))

	startSupervisor(t, newTestSupervisor(t, store, agents, clock, "node-1"))
	startSupervisor(t, newTestSupervisor(t, store, agents, clock, "node-2"))

	waitFor(t, 10*time.Second, "the fleet to converge", func() bool {
		sts, err := registry.Statuses(ctx, reg)
		if err != nil {
			return false
		}
		for _, id := range []string{"m1", "m2", "m3"} {
			if sts[id].State != hyperfleet.StateConverged {
				return false
			}
		}
		return true
	})

	mu.Lock()
	defer mu.Unlock()
	if overlapped {
		t.Fatal("two appliers ran ops on the same machine concurrently")
	}
}

func TestSupervisorParksMachineWhenOfferRevoked(t *testing.T) {
	clock := fake.NewClock(time.Unix(1700000000, 0))
	store := fake.NewStore(clock)
	agents := fake.NewAgents()
	reg := store.Registry("node-1")
	ctx := context.Background()

	seedMachine(t, reg, testMachine("m1"))
	seedOffer(t, reg, "rabbitmq", "amqp://10.0.0.5:5672")
	writeTarget(t, reg, hypervisorTarget(1))

	startSupervisor(t, newTestSupervisor(t, store, agents, clock, "node-1"))

	waitFor(t, 5*time.Second, "m1 to converge", func() bool {
		sts, err := registry.Statuses(ctx, reg)
		return err == nil && sts["m1"].State == hyperfleet.StateConverged
	})

	// Revoking the offer makes the mandatory relation unresolvable.
	if err := reg.Delete(ctx, hyperfleet.OfferKey("rabbitmq"), 0); err != nil {
		t.Fatalf("revoke offer: %v", err)
	}

	waitFor(t, 5*time.Second, "m1 to park", func() bool {
		m, _, err := registry.Machine(ctx, reg, "m1")
		if err != nil || !m.Paused {
			return false
		}
		st, _, err := registry.Status(ctx, reg, "m1")
		return err == nil && st.State == hyperfleet.StateFailed
	})

	if st := readStatus(t, reg, "m1"); !strings.Contains(st.Reason, "rabbitmq") {
		t.Fatalf("Reason = %q, want the missing relation named", st.Reason)
	}

	// Paused machines sit out later passes.
	before := len(agents.Calls("Apply"))
	next := hypervisorTarget(2)
	next.Config["debug"] = "true"
	writeTarget(t, reg, next)
	time.Sleep(20 * time.Millisecond)
	if after := len(agents.Calls("Apply")); after != before {
		t.Fatalf("paused machine saw %d new agent calls", after-before)
	}

	// Restoring the offer and resuming the machine picks the rollout
	// back up at the newest generation.
	seedOffer(t, reg, "rabbitmq", "amqp://10.0.0.5:5672")
	if _, err := registry.UpdateMachine(ctx, reg, "m1", func(m *hyperfleet.Machine) {
		m.Paused = false
	}); err != nil {
		t.Fatalf("resume m1: %v", err)
	}

	waitFor(t, 5*time.Second, "m1 to recover", func() bool {
		sts, err := registry.Statuses(ctx, reg)
		return err == nil && sts["m1"].State == hyperfleet.StateConverged && sts["m1"].Generation == 2
	})
	if got := readMachine(t, reg, "m1").Observed.Config["debug"]; got != "true" {
		t.Fatalf("m1 debug = %q after recovery, want true", got)
	}
}
