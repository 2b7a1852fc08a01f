package fake

import (
	"context"
	"sync"

	"hyperfleet"
)

// Agents is a scripted stand-in for the per-machine agent transport. By
// default every op succeeds and mutates the machine's observed state the
// way the real agent would; tests queue failures per machine or install
// an ApplyFunc hook for full control.
type Agents struct {
	CallRecorder
	mu       sync.Mutex
	observed map[string]hyperfleet.Observed
	failures map[string][]error

	// ApplyFunc, when set, runs before the scripted behavior. Returning a
	// non-nil error fails the op.
	ApplyFunc func(ctx context.Context, m hyperfleet.Machine, op hyperfleet.Op) error
}

func NewAgents() *Agents {
	return &Agents{
		observed: make(map[string]hyperfleet.Observed),
		failures: make(map[string][]error),
	}
}

// FailNext queues errors for a machine, consumed one per Apply call.
func (a *Agents) FailNext(machineID string, errs ...error) {
	a.mu.Lock()
	a.failures[machineID] = append(a.failures[machineID], errs...)
	a.mu.Unlock()
}

// Observed returns the agent-side state of a machine.
func (a *Agents) Observed(machineID string) hyperfleet.Observed {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.observed[machineID].Clone()
}

// SetObserved seeds the agent-side state of a machine.
func (a *Agents) SetObserved(machineID string, o hyperfleet.Observed) {
	a.mu.Lock()
	a.observed[machineID] = o.Clone()
	a.mu.Unlock()
}

func (a *Agents) Apply(ctx context.Context, m hyperfleet.Machine, op hyperfleet.Op) (hyperfleet.Observed, error) {
	a.record("Apply", m.ID, op.Kind.String())
	if err := ctx.Err(); err != nil {
		return hyperfleet.Observed{}, err
	}
	if a.ApplyFunc != nil {
		if err := a.ApplyFunc(ctx, m, op); err != nil {
			return hyperfleet.Observed{}, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if queued := a.failures[m.ID]; len(queued) > 0 {
		err := queued[0]
		a.failures[m.ID] = queued[1:]
		return hyperfleet.Observed{}, err
	}

	state, ok := a.observed[m.ID]
	if !ok {
		state = m.Observed.Clone()
	}
	applyOp(&state, op)
	a.observed[m.ID] = state
	return state.Clone(), nil
}

// applyOp mutates observed state with one op's effect.
func applyOp(o *hyperfleet.Observed, op hyperfleet.Op) {
	switch op.Kind {
	case hyperfleet.OpApplyConfig:
		if op.Channel != "" {
			o.Channel = op.Channel
		}
		if len(op.Config) > 0 && o.Config == nil {
			o.Config = make(map[string]string, len(op.Config))
		}
		for k, v := range op.Config {
			o.Config[k] = v
		}
	case hyperfleet.OpRebindRelation:
		if o.Bindings == nil {
			o.Bindings = hyperfleet.Bindings{}
		}
		o.Bindings[op.Relation] = op.Binding
	case hyperfleet.OpRollback:
		for _, k := range op.Drop {
			delete(o.Config, k)
		}
		if op.Relation != "" {
			delete(o.Bindings, op.Relation)
		}
	}
}
