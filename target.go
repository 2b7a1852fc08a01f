package hyperfleet

import "time"

// RoleTarget declares the state every machine holding a role converges
// to: a version channel, charm configuration, and the relations the role
// needs. Exactly one target is active per role; submitting a new one
// supersedes the old atomically and bumps the generation.
type RoleTarget struct {
	Role        string            `json:"role"`
	Channel     string            `json:"channel"` // e.g. "2024.1/stable"
	Config      map[string]string `json:"config,omitempty"`
	Relations   []Relation        `json:"relations,omitempty"`
	Generation  uint64            `json:"generation"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Relation names a service the role connects to. A mandatory relation
// gates activation; an optional one degrades to an absent binding when no
// offer matches.
type Relation struct {
	Name      string `json:"name"`
	Mandatory bool   `json:"mandatory,omitempty"`
	OfferRef  string `json:"offer_ref,omitempty"` // explicit endpoint, counts as an available offer
}

// Offer is a connectable service endpoint registered in the offer
// directory (rabbitmq, keystone, ovn-relay and friends).
type Offer struct {
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RelationBinding pins one relation to a concrete offer endpoint. An
// absent binding records that an optional relation had no offer at
// resolution time.
type RelationBinding struct {
	Relation string `json:"relation"`
	Endpoint string `json:"endpoint,omitempty"`
	Absent   bool   `json:"absent,omitempty"`
}

// Bindings maps relation name to its resolved binding.
type Bindings map[string]RelationBinding

// Clone returns a copy safe to mutate. A nil receiver stays nil.
func (b Bindings) Clone() Bindings {
	if b == nil {
		return nil
	}
	out := make(Bindings, len(b))
	for name, binding := range b {
		out[name] = binding
	}
	return out
}
