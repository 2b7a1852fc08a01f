package hyperfleet

import "time"

// JoinToken authorizes exactly one machine to join the cluster. The
// secret is shown once at generation; the stored record is consumed by
// the join that redeems it.
type JoinToken struct {
	Name      string    `json:"name"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
}
