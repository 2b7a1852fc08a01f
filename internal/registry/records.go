// Package registry layers typed record access over the raw membership
// store port: JSON codecs for each record kind and compare-and-swap
// update loops so callers never hand-roll conflict retries.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"

	"hyperfleet"
)

// casAttempts bounds read-modify-write retries before surfacing the
// conflict to the caller.
const casAttempts = 3

// Machine returns one machine record and its revision.
func Machine(ctx context.Context, reg hyperfleet.Registry, id string) (hyperfleet.Machine, int64, error) {
	var m hyperfleet.Machine
	entry, err := reg.Get(ctx, hyperfleet.MachineKey(id))
	if err != nil {
		return m, 0, err
	}
	if err := json.Unmarshal(entry.Value, &m); err != nil {
		return m, 0, fmt.Errorf("decode machine %s: %w", id, err)
	}
	return m, entry.Revision, nil
}

// Machines lists every machine record, sorted by key.
func Machines(ctx context.Context, reg hyperfleet.Registry) ([]hyperfleet.Machine, error) {
	entries, err := reg.List(ctx, hyperfleet.PrefixMachines)
	if err != nil {
		return nil, err
	}
	out := make([]hyperfleet.Machine, 0, len(entries))
	for _, e := range entries {
		var m hyperfleet.Machine
		if err := json.Unmarshal(e.Value, &m); err != nil {
			return nil, fmt.Errorf("decode machine %s: %w", e.Key, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// SaveMachine CAS-writes a machine record. prev 0 creates.
func SaveMachine(ctx context.Context, reg hyperfleet.Registry, m hyperfleet.Machine, prev int64) (int64, error) {
	value, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("encode machine %s: %w", m.ID, err)
	}
	return reg.Update(ctx, hyperfleet.MachineKey(m.ID), value, prev)
}

// UpdateMachine applies mutate under a CAS loop and returns the stored
// record. The machine must exist.
func UpdateMachine(ctx context.Context, reg hyperfleet.Registry, id string, mutate func(*hyperfleet.Machine)) (hyperfleet.Machine, error) {
	var m hyperfleet.Machine
	for range casAttempts {
		cur, rev, err := Machine(ctx, reg, id)
		if err != nil {
			return m, err
		}
		mutate(&cur)
		if _, err := SaveMachine(ctx, reg, cur, rev); errors.Is(err, hyperfleet.ErrRevisionMismatch) {
			continue
		} else if err != nil {
			return m, err
		}
		return cur, nil
	}
	return m, fmt.Errorf("update machine %s: %w", id, hyperfleet.ErrRevisionMismatch)
}

// Target returns the active role target and its revision.
func Target(ctx context.Context, reg hyperfleet.Registry, role string) (hyperfleet.RoleTarget, int64, error) {
	var t hyperfleet.RoleTarget
	entry, err := reg.Get(ctx, hyperfleet.TargetKey(role))
	if err != nil {
		return t, 0, err
	}
	if err := json.Unmarshal(entry.Value, &t); err != nil {
		return t, 0, fmt.Errorf("decode target %s: %w", role, err)
	}
	return t, entry.Revision, nil
}

// Targets returns the active target per role.
func Targets(ctx context.Context, reg hyperfleet.Registry) (map[string]hyperfleet.RoleTarget, error) {
	entries, err := reg.List(ctx, hyperfleet.PrefixRoles)
	if err != nil {
		return nil, err
	}
	out := make(map[string]hyperfleet.RoleTarget, len(entries))
	for _, e := range entries {
		var t hyperfleet.RoleTarget
		if err := json.Unmarshal(e.Value, &t); err != nil {
			return nil, fmt.Errorf("decode target %s: %w", e.Key, err)
		}
		out[t.Role] = t
	}
	return out, nil
}

// SaveTarget CAS-writes a role target. prev 0 activates the first target
// for the role.
func SaveTarget(ctx context.Context, reg hyperfleet.Registry, t hyperfleet.RoleTarget, prev int64) (int64, error) {
	value, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("encode target %s: %w", t.Role, err)
	}
	return reg.Update(ctx, hyperfleet.TargetKey(t.Role), value, prev)
}

// Offers lists the offer directory, sorted by key.
func Offers(ctx context.Context, reg hyperfleet.Registry) ([]hyperfleet.Offer, error) {
	entries, err := reg.List(ctx, hyperfleet.PrefixOffers)
	if err != nil {
		return nil, err
	}
	out := make([]hyperfleet.Offer, 0, len(entries))
	for _, e := range entries {
		var o hyperfleet.Offer
		if err := json.Unmarshal(e.Value, &o); err != nil {
			return nil, fmt.Errorf("decode offer %s: %w", e.Key, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// SaveOffer writes an offer directory entry unconditionally; offers have
// no concurrent writers worth guarding.
func SaveOffer(ctx context.Context, reg hyperfleet.Registry, o hyperfleet.Offer) error {
	value, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode offer %s: %w", o.Name, err)
	}
	_, err = reg.Put(ctx, hyperfleet.OfferKey(o.Name), value)
	return err
}

// Status returns a machine's convergence status. A machine without one
// yet reports errdefs.ErrNotFound.
func Status(ctx context.Context, reg hyperfleet.Registry, machineID string) (hyperfleet.ConvergenceStatus, int64, error) {
	var st hyperfleet.ConvergenceStatus
	entry, err := reg.Get(ctx, hyperfleet.StatusKey(machineID))
	if err != nil {
		return st, 0, err
	}
	if err := json.Unmarshal(entry.Value, &st); err != nil {
		return st, 0, fmt.Errorf("decode status %s: %w", machineID, err)
	}
	return st, entry.Revision, nil
}

// Statuses returns every recorded convergence status keyed by machine.
func Statuses(ctx context.Context, reg hyperfleet.Registry) (map[string]hyperfleet.ConvergenceStatus, error) {
	entries, err := reg.List(ctx, hyperfleet.PrefixStatus)
	if err != nil {
		return nil, err
	}
	out := make(map[string]hyperfleet.ConvergenceStatus, len(entries))
	for _, e := range entries {
		var st hyperfleet.ConvergenceStatus
		if err := json.Unmarshal(e.Value, &st); err != nil {
			return nil, fmt.Errorf("decode status %s: %w", e.Key, err)
		}
		out[st.MachineID] = st
	}
	return out, nil
}

// UpdateStatus applies mutate under a CAS loop, creating the record when
// missing, and returns what was stored.
func UpdateStatus(ctx context.Context, reg hyperfleet.Registry, machineID string, mutate func(*hyperfleet.ConvergenceStatus)) (hyperfleet.ConvergenceStatus, error) {
	for range casAttempts {
		st, rev, err := Status(ctx, reg, machineID)
		switch {
		case errdefs.IsNotFound(err):
			st = hyperfleet.ConvergenceStatus{MachineID: machineID, State: hyperfleet.StatePending}
			rev = 0
		case err != nil:
			return st, err
		}
		mutate(&st)
		value, err := json.Marshal(st)
		if err != nil {
			return st, fmt.Errorf("encode status %s: %w", machineID, err)
		}
		if _, err := reg.Update(ctx, hyperfleet.StatusKey(machineID), value, rev); errors.Is(err, hyperfleet.ErrRevisionMismatch) {
			continue
		} else if err != nil {
			return st, err
		}
		return st, nil
	}
	var zero hyperfleet.ConvergenceStatus
	return zero, fmt.Errorf("update status %s: %w", machineID, hyperfleet.ErrRevisionMismatch)
}
