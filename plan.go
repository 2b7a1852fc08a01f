package hyperfleet

import "fmt"

// OpKind is the kind of a single rollout step.
type OpKind uint8

const (
	OpNoop           OpKind = iota + 1 // machine already matches the target
	OpApplyConfig                      // set the channel and/or config values
	OpRebindRelation                   // install one relation binding
	OpRollback                         // clear state the target no longer declares
)

func (k OpKind) String() string {
	switch k {
	case OpNoop:
		return "no-op"
	case OpApplyConfig:
		return "apply-config"
	case OpRebindRelation:
		return "rebind-relation"
	case OpRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind as its stable string form.
func (k OpKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes the stable string form.
func (k *OpKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "no-op":
		*k = OpNoop
	case "apply-config":
		*k = OpApplyConfig
	case "rebind-relation":
		*k = OpRebindRelation
	case "rollback":
		*k = OpRollback
	default:
		return fmt.Errorf("unknown op kind %q", text)
	}
	return nil
}

// Op is one ordered step of a machine's plan.
type Op struct {
	Kind     OpKind            `json:"kind"`
	Channel  string            `json:"channel,omitempty"`  // OpApplyConfig: channel to switch to, "" keeps current
	Config   map[string]string `json:"config,omitempty"`   // OpApplyConfig: values to set
	Drop     []string          `json:"drop,omitempty"`     // OpRollback: config keys to clear
	Relation string            `json:"relation,omitempty"` // OpRebindRelation, OpRollback: relation name
	Binding  RelationBinding   `json:"binding"`            // OpRebindRelation: binding to install
}

// Describe renders the op for logs and journal rows.
func (o Op) Describe() string {
	switch o.Kind {
	case OpApplyConfig:
		if o.Channel != "" {
			return fmt.Sprintf("apply-config channel=%s keys=%d", o.Channel, len(o.Config))
		}
		return fmt.Sprintf("apply-config keys=%d", len(o.Config))
	case OpRebindRelation:
		if o.Binding.Absent {
			return fmt.Sprintf("rebind-relation %s (absent)", o.Relation)
		}
		return fmt.Sprintf("rebind-relation %s -> %s", o.Relation, o.Binding.Endpoint)
	case OpRollback:
		if o.Relation != "" {
			return fmt.Sprintf("rollback relation %s", o.Relation)
		}
		return fmt.Sprintf("rollback config keys=%d", len(o.Drop))
	default:
		return o.Kind.String()
	}
}

// Plan is the ordered set of operations that converge one machine onto a
// target. Plans are computed fresh each pass and never persisted.
type Plan struct {
	MachineID  string `json:"machine_id"`
	Role       string `json:"role"`
	Generation uint64 `json:"generation"`
	Ops        []Op   `json:"ops"`
}

// IsNoop reports whether the plan changes nothing.
func (p Plan) IsNoop() bool {
	for _, op := range p.Ops {
		if op.Kind != OpNoop {
			return false
		}
	}
	return true
}
