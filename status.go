package hyperfleet

import (
	"fmt"
	"time"
)

// ConvergenceState is a machine's position in the rollout lifecycle.
type ConvergenceState uint8

const (
	StatePending   ConvergenceState = iota + 1 // target differs, or machine not yet examined
	StateApplying                              // a reconciler holds the lease and is executing ops
	StateConverged                             // observed state matches the active target
	StateFailed                                // gave up this pass; Reason says why
)

func (s ConvergenceState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApplying:
		return "applying"
	case StateConverged:
		return "converged"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its stable string form.
func (s ConvergenceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes the stable string form.
func (s *ConvergenceState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = StatePending
	case "applying":
		*s = StateApplying
	case "converged":
		*s = StateConverged
	case "failed":
		*s = StateFailed
	default:
		return fmt.Errorf("unknown convergence state %q", text)
	}
	return nil
}

// ConvergenceStatus is the recorded rollout state of one machine.
// Transitions move pending -> applying -> converged or failed; a failed
// machine re-enters pending on the next pass unless it is paused.
type ConvergenceStatus struct {
	MachineID  string           `json:"machine_id"`
	State      ConvergenceState `json:"state"`
	Reason     string           `json:"reason,omitempty"`  // failure detail, human readable
	Generation uint64           `json:"generation"`        // target generation last acted on
	Retries    int              `json:"retries,omitempty"` // transient retries spent in the last pass
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Failure reasons the reconciler records verbatim, so operators and tests
// can match on them.
const (
	ReasonCancelled          = "cancelled"
	ReasonTransientExhausted = "transient-exhausted"
)
