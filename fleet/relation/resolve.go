// Package relation resolves a role target's declared relations against
// the offer directory.
package relation

import (
	"fmt"
	"slices"
	"strings"

	"hyperfleet"
)

// UnresolvedError reports mandatory relations with no matching offer.
// Resolution is all-or-nothing, so no bindings accompany it.
type UnresolvedError struct {
	Role    string
	Missing []string // sorted relation names
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("role %s: mandatory relations unresolved: %s",
		e.Role, strings.Join(e.Missing, ", "))
}

// Resolve matches every relation declared by target against the offer
// directory. prior carries the bindings from the previous resolution;
// a binding whose offer still points at the same endpoint is reused, so
// an unchanged directory never causes a rebind.
//
// Every mandatory relation must resolve or Resolve returns a single
// *UnresolvedError naming all missing ones. An optional relation without
// an offer binds absent rather than blocking the rollout.
func Resolve(target hyperfleet.RoleTarget, offers []hyperfleet.Offer, prior hyperfleet.Bindings) (hyperfleet.Bindings, error) {
	byName := make(map[string]hyperfleet.Offer, len(offers))
	for _, offer := range offers {
		byName[offer.Name] = offer
	}

	bindings := make(hyperfleet.Bindings, len(target.Relations))
	var missing []string
	for _, rel := range target.Relations {
		endpoint, ok := lookupEndpoint(rel, byName)
		if !ok {
			if rel.Mandatory {
				missing = append(missing, rel.Name)
				continue
			}
			bindings[rel.Name] = hyperfleet.RelationBinding{Relation: rel.Name, Absent: true}
			continue
		}
		if prev, ok := prior[rel.Name]; ok && !prev.Absent && prev.Endpoint == endpoint {
			bindings[rel.Name] = prev
			continue
		}
		bindings[rel.Name] = hyperfleet.RelationBinding{Relation: rel.Name, Endpoint: endpoint}
	}

	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, &UnresolvedError{Role: target.Role, Missing: missing}
	}
	return bindings, nil
}

// lookupEndpoint prefers the directory entry; an explicit OfferRef on the
// relation backstops a directory miss.
func lookupEndpoint(rel hyperfleet.Relation, offers map[string]hyperfleet.Offer) (string, bool) {
	if offer, ok := offers[rel.Name]; ok && offer.Endpoint != "" {
		return offer.Endpoint, true
	}
	if rel.OfferRef != "" {
		return rel.OfferRef, true
	}
	return "", false
}
