// Package plan computes the ordered operations that converge one machine
// onto its role target.
package plan

import (
	"slices"

	"hyperfleet"
)

// Compute diffs a machine's observed state against the active target and
// its resolved bindings. The returned ops are strictly ordered: a channel
// change first (one apply-config carrying the channel and the full config,
// since switching channels can invalidate previously valid keys), else a
// config-only apply-config with just the differing keys; then rebinds,
// mandatory relations before optional and alphabetical within each class;
// then rollbacks of state the target no longer declares. A machine already
// at the target gets a single no-op.
//
// Compute is pure. Ops for different machines are independent; within one
// machine they execute in order.
func Compute(m hyperfleet.Machine, target hyperfleet.RoleTarget, bindings hyperfleet.Bindings) hyperfleet.Plan {
	p := hyperfleet.Plan{
		MachineID:  m.ID,
		Role:       target.Role,
		Generation: target.Generation,
	}

	channelChanged := target.Channel != "" && m.Observed.Channel != target.Channel
	switch {
	case channelChanged:
		p.Ops = append(p.Ops, hyperfleet.Op{
			Kind:    hyperfleet.OpApplyConfig,
			Channel: target.Channel,
			Config:  cloneConfig(target.Config),
		})
	default:
		if diff := configDiff(m.Observed.Config, target.Config); len(diff) > 0 {
			p.Ops = append(p.Ops, hyperfleet.Op{Kind: hyperfleet.OpApplyConfig, Config: diff})
		}
	}

	for _, name := range rebindOrder(target, bindings, m.Observed.Bindings) {
		p.Ops = append(p.Ops, hyperfleet.Op{
			Kind:     hyperfleet.OpRebindRelation,
			Relation: name,
			Binding:  bindings[name],
		})
	}

	p.Ops = append(p.Ops, rollbacks(m.Observed, target, bindings)...)

	if len(p.Ops) == 0 {
		p.Ops = []hyperfleet.Op{{Kind: hyperfleet.OpNoop}}
	}
	return p
}

// configDiff returns the target keys whose observed value is missing or
// different.
func configDiff(observed, target map[string]string) map[string]string {
	var diff map[string]string
	for key, want := range target {
		if got, ok := observed[key]; ok && got == want {
			continue
		}
		if diff == nil {
			diff = make(map[string]string)
		}
		diff[key] = want
	}
	return diff
}

// rebindOrder returns the relations whose desired binding differs from the
// observed one, mandatory first, alphabetical within each class.
func rebindOrder(target hyperfleet.RoleTarget, desired, observed hyperfleet.Bindings) []string {
	mandatory := make(map[string]bool, len(target.Relations))
	for _, rel := range target.Relations {
		mandatory[rel.Name] = rel.Mandatory
	}

	var names []string
	for name, binding := range desired {
		if observed[name] == binding {
			continue
		}
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		if mandatory[a] != mandatory[b] {
			if mandatory[a] {
				return -1
			}
			return 1
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return names
}

// rollbacks reverts what a superseded target left behind: config keys the
// target no longer sets and bindings it no longer declares.
func rollbacks(observed hyperfleet.Observed, target hyperfleet.RoleTarget, desired hyperfleet.Bindings) []hyperfleet.Op {
	var drop []string
	for key := range observed.Config {
		if _, ok := target.Config[key]; !ok {
			drop = append(drop, key)
		}
	}
	var ops []hyperfleet.Op
	if len(drop) > 0 {
		slices.Sort(drop)
		ops = append(ops, hyperfleet.Op{Kind: hyperfleet.OpRollback, Drop: drop})
	}

	var stale []string
	for name := range observed.Bindings {
		if _, ok := desired[name]; !ok {
			stale = append(stale, name)
		}
	}
	slices.Sort(stale)
	for _, name := range stale {
		ops = append(ops, hyperfleet.Op{Kind: hyperfleet.OpRollback, Relation: name})
	}
	return ops
}

func cloneConfig(config map[string]string) map[string]string {
	if len(config) == 0 {
		return nil
	}
	out := make(map[string]string, len(config))
	for k, v := range config {
		out[k] = v
	}
	return out
}
