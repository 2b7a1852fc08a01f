package hyperfleet

import (
	"net/netip"
	"time"
)

// Machine is one enrolled machine in the fleet.
// Each machine's daemon owns and writes its own record.
type Machine struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Address   netip.AddrPort `json:"address"` // daemon API endpoint
	Role      string         `json:"role"`    // role whose target this machine tracks
	Paused    bool           `json:"paused,omitempty"`
	Observed  Observed       `json:"observed"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Observed is the state last applied to a machine. The reconciler writes
// it back after every successful operation; an empty Observed means the
// machine was never touched.
type Observed struct {
	Channel  string            `json:"channel,omitempty"`
	Config   map[string]string `json:"config,omitempty"`
	Bindings Bindings          `json:"bindings,omitempty"`
}

// Empty reports whether nothing has ever been applied to the machine.
func (o Observed) Empty() bool {
	return o.Channel == "" && len(o.Config) == 0 && len(o.Bindings) == 0
}

// Clone returns a copy whose maps are safe to mutate.
func (o Observed) Clone() Observed {
	out := Observed{Channel: o.Channel, Bindings: o.Bindings.Clone()}
	if o.Config != nil {
		out.Config = make(map[string]string, len(o.Config))
		for k, v := range o.Config {
			out.Config[k] = v
		}
	}
	return out
}

// MachineEventKind describes what happened to a machine record.
type MachineEventKind uint8

const (
	MachineAdded MachineEventKind = iota + 1
	MachineUpdated
	MachineRemoved
)

// MachineEvent is a single change to a machine record.
type MachineEvent struct {
	Kind    MachineEventKind
	Machine Machine
}
