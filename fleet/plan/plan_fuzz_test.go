package plan_test

import (
	"testing"

	"hyperfleet"
	"hyperfleet/fleet/plan"
)

// applyOps mutates observed state the way the machine agent would.
func applyOps(o hyperfleet.Observed, ops []hyperfleet.Op) hyperfleet.Observed {
	out := o.Clone()
	if out.Config == nil {
		out.Config = map[string]string{}
	}
	if out.Bindings == nil {
		out.Bindings = hyperfleet.Bindings{}
	}
	for _, op := range ops {
		switch op.Kind {
		case hyperfleet.OpApplyConfig:
			if op.Channel != "" {
				out.Channel = op.Channel
			}
			for k, v := range op.Config {
				out.Config[k] = v
			}
		case hyperfleet.OpRebindRelation:
			out.Bindings[op.Relation] = op.Binding
		case hyperfleet.OpRollback:
			for _, k := range op.Drop {
				delete(out.Config, k)
			}
			if op.Relation != "" {
				delete(out.Bindings, op.Relation)
			}
		}
	}
	return out
}

func FuzzCompute_ApplyThenReplanIsNoop(f *testing.F) {
	f.Add("2024.1/stable", "", "debug", "false", "rabbitmq", "amqp://r:5672", true, "stale-key", "magnum")
	f.Add("2024.2/edge", "2024.1/stable", "debug", "true", "keystone", "https://k:5000", false, "", "")
	f.Add("", "", "", "", "", "", false, "k", "r")

	f.Fuzz(func(t *testing.T, channel, obsChannel, key, val, rel, endpoint string, mandatory bool, staleKey, staleRel string) {
		target := hyperfleet.RoleTarget{
			Role:       "hypervisor",
			Channel:    channel,
			Generation: 7,
			Config:     map[string]string{key: val},
			Relations:  []hyperfleet.Relation{{Name: rel, Mandatory: mandatory}},
		}
		bindings := hyperfleet.Bindings{
			rel: {Relation: rel, Endpoint: endpoint, Absent: endpoint == ""},
		}
		m := hyperfleet.Machine{
			ID: "m1",
			Observed: hyperfleet.Observed{
				Channel:  obsChannel,
				Config:   map[string]string{staleKey: "old"},
				Bindings: hyperfleet.Bindings{staleRel: {Relation: staleRel, Endpoint: "old://gone"}},
			},
		}

		first := plan.Compute(m, target, bindings)
		m.Observed = applyOps(m.Observed, first.Ops)

		second := plan.Compute(m, target, bindings)
		if !second.IsNoop() {
			t.Fatalf("re-plan after apply not a no-op: %+v", second.Ops)
		}
	})
}
