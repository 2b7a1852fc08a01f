package plan

import (
	"testing"

	"hyperfleet"
)

var hypervisorTarget = hyperfleet.RoleTarget{
	Role:       "hypervisor",
	Channel:    "2024.1/stable",
	Config:     map[string]string{"debug": "false"},
	Generation: 4,
	Relations: []hyperfleet.Relation{
		{Name: "rabbitmq", Mandatory: true},
		{Name: "ceilometer"},
	},
}

var hypervisorBindings = hyperfleet.Bindings{
	"rabbitmq":   {Relation: "rabbitmq", Endpoint: "amqp://10.0.0.5:5672"},
	"ceilometer": {Relation: "ceilometer", Absent: true},
}

// converged returns a machine whose observed state matches hypervisorTarget.
func converged(id string) hyperfleet.Machine {
	return hyperfleet.Machine{
		ID:   id,
		Role: "hypervisor",
		Observed: hyperfleet.Observed{
			Channel:  "2024.1/stable",
			Config:   map[string]string{"debug": "false"},
			Bindings: hypervisorBindings.Clone(),
		},
	}
}

func TestComputeFreshMachine(t *testing.T) {
	m := hyperfleet.Machine{ID: "m1", Role: "hypervisor"}
	p := Compute(m, hypervisorTarget, hypervisorBindings)

	if p.MachineID != "m1" || p.Generation != 4 {
		t.Fatalf("plan header = %s gen %d, want m1 gen 4", p.MachineID, p.Generation)
	}
	if len(p.Ops) != 3 {
		t.Fatalf("op count = %d, want 3 (full apply + both rebinds)", len(p.Ops))
	}
	first := p.Ops[0]
	if first.Kind != hyperfleet.OpApplyConfig || first.Channel != "2024.1/stable" {
		t.Fatalf("first op = %+v, want apply-config with channel", first)
	}
	if first.Config["debug"] != "false" {
		t.Fatalf("first op config = %v, want full target config", first.Config)
	}
	// Mandatory rebind precedes the optional one.
	if p.Ops[1].Relation != "rabbitmq" || p.Ops[1].Kind != hyperfleet.OpRebindRelation {
		t.Fatalf("second op = %+v, want rebind rabbitmq", p.Ops[1])
	}
	if p.Ops[2].Relation != "ceilometer" || !p.Ops[2].Binding.Absent {
		t.Fatalf("third op = %+v, want absent ceilometer rebind", p.Ops[2])
	}
}

func TestComputeConvergedIsNoop(t *testing.T) {
	p := Compute(converged("m1"), hypervisorTarget, hypervisorBindings)
	if !p.IsNoop() {
		t.Fatalf("plan = %+v, want no-op", p.Ops)
	}
	if len(p.Ops) != 1 || p.Ops[0].Kind != hyperfleet.OpNoop {
		t.Fatalf("ops = %+v, want exactly one no-op", p.Ops)
	}
}

func TestComputeMissingBindingOnly(t *testing.T) {
	m := converged("m1")
	delete(m.Observed.Bindings, "rabbitmq")

	p := Compute(m, hypervisorTarget, hypervisorBindings)
	if len(p.Ops) != 1 {
		t.Fatalf("op count = %d, want 1, ops = %+v", len(p.Ops), p.Ops)
	}
	op := p.Ops[0]
	if op.Kind != hyperfleet.OpRebindRelation || op.Relation != "rabbitmq" {
		t.Fatalf("op = %+v, want rebind-relation rabbitmq", op)
	}
	if op.Binding.Endpoint != "amqp://10.0.0.5:5672" {
		t.Fatalf("binding endpoint = %q", op.Binding.Endpoint)
	}
}

func TestComputeConfigOnlyDiff(t *testing.T) {
	m := converged("m1")
	target := hypervisorTarget
	target.Config = map[string]string{"debug": "true", "snap-proxy": "http://10.0.0.2:3128"}

	p := Compute(m, target, hypervisorBindings)
	if len(p.Ops) != 1 {
		t.Fatalf("op count = %d, want 1", len(p.Ops))
	}
	op := p.Ops[0]
	if op.Kind != hyperfleet.OpApplyConfig || op.Channel != "" {
		t.Fatalf("op = %+v, want config-only apply", op)
	}
	if len(op.Config) != 2 || op.Config["debug"] != "true" || op.Config["snap-proxy"] == "" {
		t.Fatalf("op config = %v, want only differing keys", op.Config)
	}
}

func TestComputeChannelChangeCarriesFullConfig(t *testing.T) {
	m := converged("m1")
	target := hypervisorTarget
	target.Channel = "2024.2/candidate"
	target.Generation = 5

	p := Compute(m, target, hypervisorBindings)
	op := p.Ops[0]
	if op.Kind != hyperfleet.OpApplyConfig || op.Channel != "2024.2/candidate" {
		t.Fatalf("first op = %+v, want channel apply", op)
	}
	// Full config rides along even though no key differs.
	if op.Config["debug"] != "false" {
		t.Fatalf("op config = %v, want full target config", op.Config)
	}
	if p.Generation != 5 {
		t.Fatalf("plan generation = %d, want 5", p.Generation)
	}
}

func TestComputeRollbacksLast(t *testing.T) {
	m := converged("m1")
	m.Observed.Config["ovs-dpdk"] = "enabled" // left by a superseded target
	m.Observed.Bindings["magnum"] = hyperfleet.RelationBinding{Relation: "magnum", Endpoint: "https://old:9511"}
	delete(m.Observed.Bindings, "rabbitmq")

	p := Compute(m, hypervisorTarget, hypervisorBindings)
	if len(p.Ops) != 3 {
		t.Fatalf("op count = %d, want 3, ops = %+v", len(p.Ops), p.Ops)
	}
	if p.Ops[0].Kind != hyperfleet.OpRebindRelation || p.Ops[0].Relation != "rabbitmq" {
		t.Fatalf("first op = %+v, want rebind before rollbacks", p.Ops[0])
	}
	if p.Ops[1].Kind != hyperfleet.OpRollback || len(p.Ops[1].Drop) != 1 || p.Ops[1].Drop[0] != "ovs-dpdk" {
		t.Fatalf("second op = %+v, want config rollback of ovs-dpdk", p.Ops[1])
	}
	if p.Ops[2].Kind != hyperfleet.OpRollback || p.Ops[2].Relation != "magnum" {
		t.Fatalf("third op = %+v, want binding rollback of magnum", p.Ops[2])
	}
}

func TestComputeRebindOrdering(t *testing.T) {
	target := hyperfleet.RoleTarget{
		Role:    "hypervisor",
		Channel: "2024.1/stable",
		Relations: []hyperfleet.Relation{
			{Name: "ovn-relay", Mandatory: true},
			{Name: "rabbitmq", Mandatory: true},
			{Name: "ceilometer"},
			{Name: "vault"},
		},
	}
	bindings := hyperfleet.Bindings{
		"rabbitmq":   {Relation: "rabbitmq", Endpoint: "amqp://r:5672"},
		"ovn-relay":  {Relation: "ovn-relay", Endpoint: "ssl:o:6642"},
		"ceilometer": {Relation: "ceilometer", Absent: true},
		"vault":      {Relation: "vault", Endpoint: "https://v:8200"},
	}
	m := hyperfleet.Machine{ID: "m1", Observed: hyperfleet.Observed{Channel: "2024.1/stable"}}

	p := Compute(m, target, bindings)
	var order []string
	for _, op := range p.Ops {
		if op.Kind == hyperfleet.OpRebindRelation {
			order = append(order, op.Relation)
		}
	}
	want := []string{"ovn-relay", "rabbitmq", "ceilometer", "vault"}
	if len(order) != len(want) {
		t.Fatalf("rebind count = %d, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rebind order = %v, want %v", order, want)
		}
	}
}

func TestComputeIndependentAcrossMachines(t *testing.T) {
	fresh := hyperfleet.Machine{ID: "m2", Role: "hypervisor"}
	done := converged("m1")

	p1 := Compute(done, hypervisorTarget, hypervisorBindings)
	p2 := Compute(fresh, hypervisorTarget, hypervisorBindings)
	if !p1.IsNoop() {
		t.Fatalf("m1 plan = %+v, want no-op", p1.Ops)
	}
	if p2.IsNoop() {
		t.Fatal("m2 plan should not be no-op")
	}
}
