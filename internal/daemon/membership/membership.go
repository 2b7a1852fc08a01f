// Package membership enrolls machines into the cluster: bootstrap of the
// first node, token-gated joins, and decommissioning.
package membership

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/containerd/errdefs"

	"hyperfleet"
	"hyperfleet/internal/registry"
)

// DefaultRole is what a machine enrolls as when the caller does not say.
const DefaultRole = "hypervisor"

// tokenBytes is 24: the base64 secret comfortably exceeds brute-force
// reach while staying paste-friendly.
const tokenBytes = 24

// Service owns enrollment state transitions. Machine IDs are the
// enrollment names; operators address machines by hostname-style names
// everywhere.
type Service struct {
	Registry hyperfleet.Registry // injected: cluster membership store
	Clock    hyperfleet.Clock
}

func (s *Service) getClock() hyperfleet.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return hyperfleet.RealClock{}
}

// Bootstrap enrolls the first machine without a token. It is a
// node-local call: it must work before any cluster exists.
func (s *Service) Bootstrap(ctx context.Context, name, addr, role string) (hyperfleet.Machine, error) {
	return s.enroll(ctx, name, addr, role)
}

// GenerateToken mints a single-use join token. The secret is returned
// once and never listed again.
func (s *Service) GenerateToken(ctx context.Context, name string) (hyperfleet.JoinToken, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return hyperfleet.JoinToken{}, errors.New("token name is required")
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return hyperfleet.JoinToken{}, fmt.Errorf("generate token secret: %w", err)
	}

	token := hyperfleet.JoinToken{
		Name:      name,
		Secret:    base64.StdEncoding.EncodeToString(raw),
		CreatedAt: s.getClock().Now().UTC(),
	}
	value, err := json.Marshal(token)
	if err != nil {
		return hyperfleet.JoinToken{}, fmt.Errorf("encode token: %w", err)
	}
	if _, err := s.Registry.Update(ctx, hyperfleet.TokenKey(name), value, 0); err != nil {
		if errors.Is(err, hyperfleet.ErrRevisionMismatch) {
			return hyperfleet.JoinToken{}, fmt.Errorf("token %q already exists: %w", name, errdefs.ErrConflict)
		}
		return hyperfleet.JoinToken{}, err
	}
	return token, nil
}

// ListTokens returns outstanding token names without secrets.
func (s *Service) ListTokens(ctx context.Context) ([]hyperfleet.JoinToken, error) {
	entries, err := s.Registry.List(ctx, hyperfleet.PrefixTokens)
	if err != nil {
		return nil, err
	}
	out := make([]hyperfleet.JoinToken, 0, len(entries))
	for _, e := range entries {
		var t hyperfleet.JoinToken
		if err := json.Unmarshal(e.Value, &t); err != nil {
			return nil, fmt.Errorf("decode token %s: %w", e.Key, err)
		}
		t.Secret = ""
		out = append(out, t)
	}
	return out, nil
}

// DeleteToken revokes an outstanding token.
func (s *Service) DeleteToken(ctx context.Context, name string) error {
	return s.Registry.Delete(ctx, hyperfleet.TokenKey(strings.TrimSpace(name)), 0)
}

// Join redeems a token and enrolls the machine. The conditional delete
// consumes the token atomically: two joins racing on one token cannot
// both win.
func (s *Service) Join(ctx context.Context, name, addr, role, secret string) (hyperfleet.Machine, error) {
	name = strings.TrimSpace(name)
	entry, err := s.Registry.Get(ctx, hyperfleet.TokenKey(name))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return hyperfleet.Machine{}, fmt.Errorf("no join token for %q: %w", name, hyperfleet.ErrNotMember)
		}
		return hyperfleet.Machine{}, err
	}

	var token hyperfleet.JoinToken
	if err := json.Unmarshal(entry.Value, &token); err != nil {
		return hyperfleet.Machine{}, fmt.Errorf("decode token %s: %w", name, err)
	}
	if subtle.ConstantTimeCompare([]byte(token.Secret), []byte(secret)) != 1 {
		return hyperfleet.Machine{}, fmt.Errorf("join token rejected for %q: %w", name, hyperfleet.ErrNotMember)
	}
	if err := s.Registry.Delete(ctx, hyperfleet.TokenKey(name), entry.Revision); err != nil {
		if errors.Is(err, hyperfleet.ErrRevisionMismatch) || errdefs.IsNotFound(err) {
			return hyperfleet.Machine{}, fmt.Errorf("join token for %q already redeemed: %w", name, hyperfleet.ErrNotMember)
		}
		return hyperfleet.Machine{}, err
	}

	return s.enroll(ctx, name, addr, role)
}

// Remove decommissions a machine and clears its records. A machine mid-
// apply is refused: interrupting an in-flight rollout leaves the charm
// runtime in an unknown state.
func (s *Service) Remove(ctx context.Context, id string) error {
	st, _, err := registry.Status(ctx, s.Registry, id)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if err == nil && st.State == hyperfleet.StateApplying {
		return fmt.Errorf("machine %s is applying; wait for the pass to finish: %w", id, errdefs.ErrConflict)
	}

	if _, _, err := registry.Machine(ctx, s.Registry, id); err != nil {
		return err
	}
	if err := s.Registry.RemoveMember(ctx, id); err != nil {
		return fmt.Errorf("remove member %s: %w", id, err)
	}
	for _, key := range []string{
		hyperfleet.MachineKey(id),
		hyperfleet.StatusKey(id),
		hyperfleet.LeaseKey(id),
		hyperfleet.HeartbeatKey(id),
	} {
		if err := s.Registry.Delete(ctx, key, 0); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// enroll registers the member and creates the machine and status
// records. The CAS create rejects duplicate names.
func (s *Service) enroll(ctx context.Context, name, addr, role string) (hyperfleet.Machine, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return hyperfleet.Machine{}, errors.New("machine name is required")
	}
	apiAddr, err := netip.ParseAddrPort(strings.TrimSpace(addr))
	if err != nil {
		return hyperfleet.Machine{}, fmt.Errorf("parse machine address %q: %w", addr, err)
	}
	if role = strings.TrimSpace(role); role == "" {
		role = DefaultRole
	}

	m := hyperfleet.Machine{
		ID:        name,
		Name:      name,
		Address:   apiAddr,
		Role:      role,
		UpdatedAt: s.getClock().Now().UTC(),
	}
	if _, err := registry.SaveMachine(ctx, s.Registry, m, 0); err != nil {
		if errors.Is(err, hyperfleet.ErrRevisionMismatch) {
			return hyperfleet.Machine{}, fmt.Errorf("machine %q already enrolled: %w", name, errdefs.ErrConflict)
		}
		return hyperfleet.Machine{}, err
	}
	if err := s.Registry.AddMember(ctx, hyperfleet.Member{ID: m.ID, Name: m.Name, Address: m.Address}); err != nil {
		return hyperfleet.Machine{}, fmt.Errorf("add member %s: %w", name, err)
	}
	if _, err := registry.UpdateStatus(ctx, s.Registry, m.ID, func(st *hyperfleet.ConvergenceStatus) {
		st.State = hyperfleet.StatePending
	}); err != nil {
		return hyperfleet.Machine{}, err
	}
	return m, nil
}
