package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/containerd/errdefs"

	"hyperfleet"
	"hyperfleet/fleet/plan"
	"hyperfleet/fleet/relation"
	"hyperfleet/internal/daemon/membership"
	"hyperfleet/internal/registry"
	"hyperfleet/internal/rpc"
)

// Cluster serves cluster-extended state. The router already gated quorum
// and forwarded the call to the leader; what remains here is membership
// checking and the actual work.
type Cluster struct {
	Self       hyperfleet.Member
	Registry   hyperfleet.Registry // injected: membership store
	Membership *membership.Service // injected
	Clock      hyperfleet.Clock
}

var _ rpc.ClusterServer = (*Cluster)(nil)

func (c *Cluster) getClock() hyperfleet.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return hyperfleet.RealClock{}
}

// requireMember rejects serving cluster state from a machine that was
// removed while its daemon kept running.
func (c *Cluster) requireMember(ctx context.Context) error {
	members, err := c.Registry.Members(ctx)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.ID == c.Self.ID {
			return nil
		}
	}
	return fmt.Errorf("machine %s: %w", c.Self.ID, hyperfleet.ErrNotMember)
}

func (c *Cluster) Members(ctx context.Context, req *rpc.MembersRequest) (*rpc.MembersResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	members, err := c.Registry.Members(ctx)
	if err != nil {
		return nil, err
	}
	resp := &rpc.MembersResponse{Members: members}
	if leader, err := c.Registry.Leader(ctx); err == nil {
		resp.Leader = leader.ID
	}
	return resp, nil
}

func (c *Cluster) GenerateToken(ctx context.Context, req *rpc.GenerateTokenRequest) (*rpc.GenerateTokenResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	token, err := c.Membership.GenerateToken(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return &rpc.GenerateTokenResponse{Token: token}, nil
}

func (c *Cluster) ListTokens(ctx context.Context, req *rpc.ListTokensRequest) (*rpc.ListTokensResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	tokens, err := c.Membership.ListTokens(ctx)
	if err != nil {
		return nil, err
	}
	resp := &rpc.ListTokensResponse{}
	for _, t := range tokens {
		resp.Tokens = append(resp.Tokens, rpc.TokenInfo{Name: t.Name, CreatedAt: t.CreatedAt})
	}
	return resp, nil
}

func (c *Cluster) DeleteToken(ctx context.Context, req *rpc.DeleteTokenRequest) (*rpc.DeleteTokenResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	if err := c.Membership.DeleteToken(ctx, req.Name); err != nil {
		return nil, err
	}
	return &rpc.DeleteTokenResponse{}, nil
}

func (c *Cluster) ListMachines(ctx context.Context, req *rpc.ListMachinesRequest) (*rpc.ListMachinesResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	machines, err := registry.Machines(ctx, c.Registry)
	if err != nil {
		return nil, err
	}
	statuses, err := registry.Statuses(ctx, c.Registry)
	if err != nil {
		return nil, err
	}
	resp := &rpc.ListMachinesResponse{}
	for _, m := range machines {
		if req.Role != "" && m.Role != req.Role {
			continue
		}
		resp.Machines = append(resp.Machines, rpc.MachineStatus{
			Machine: m,
			Status:  statusOrPending(statuses, m.ID),
		})
	}
	return resp, nil
}

func (c *Cluster) GetMachine(ctx context.Context, req *rpc.GetMachineRequest) (*rpc.GetMachineResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	m, _, err := registry.Machine(ctx, c.Registry, req.ID)
	if err != nil {
		return nil, err
	}
	st, _, err := registry.Status(ctx, c.Registry, req.ID)
	if errdefs.IsNotFound(err) {
		st = hyperfleet.ConvergenceStatus{MachineID: req.ID, State: hyperfleet.StatePending}
	} else if err != nil {
		return nil, err
	}
	return &rpc.GetMachineResponse{Machine: m, Status: st}, nil
}

func (c *Cluster) RemoveMachine(ctx context.Context, req *rpc.RemoveMachineRequest) (*rpc.RemoveMachineResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	if err := c.Membership.Remove(ctx, req.ID); err != nil {
		return nil, err
	}
	return &rpc.RemoveMachineResponse{}, nil
}

func (c *Cluster) SetMachinePaused(ctx context.Context, req *rpc.SetMachinePausedRequest) (*rpc.SetMachinePausedResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	m, err := registry.UpdateMachine(ctx, c.Registry, req.ID, func(m *hyperfleet.Machine) {
		m.Paused = req.Paused
		m.UpdatedAt = c.getClock().Now().UTC()
	})
	if err != nil {
		return nil, err
	}
	return &rpc.SetMachinePausedResponse{Machine: m}, nil
}

// SetTarget activates a new role target. Activation is gated on relation
// resolution: a target whose mandatory relations have no offers is
// rejected before any machine sees it. The compare-and-swap on the
// stored target makes concurrent submissions lose cleanly.
func (c *Cluster) SetTarget(ctx context.Context, req *rpc.SetTargetRequest) (*rpc.SetTargetResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	target := req.Target
	if err := validateTarget(target); err != nil {
		return nil, err
	}

	offers, err := registry.Offers(ctx, c.Registry)
	if err != nil {
		return nil, err
	}
	if _, err := relation.Resolve(target, offers, nil); err != nil {
		return nil, err
	}

	prior, prev, err := registry.Target(ctx, c.Registry, target.Role)
	switch {
	case errdefs.IsNotFound(err):
		target.Generation = 1
		prev = 0
	case err != nil:
		return nil, err
	default:
		target.Generation = prior.Generation + 1
	}
	target.SubmittedAt = c.getClock().Now().UTC()

	if _, err := registry.SaveTarget(ctx, c.Registry, target, prev); err != nil {
		if errors.Is(err, hyperfleet.ErrRevisionMismatch) {
			return nil, fmt.Errorf("target for role %s superseded concurrently: %w", target.Role, err)
		}
		return nil, err
	}
	return &rpc.SetTargetResponse{Target: target}, nil
}

func (c *Cluster) GetTarget(ctx context.Context, req *rpc.GetTargetRequest) (*rpc.GetTargetResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	if req.Role == "" {
		return nil, errors.New("role is required")
	}
	target, _, err := registry.Target(ctx, c.Registry, req.Role)
	if err != nil {
		return nil, err
	}
	return &rpc.GetTargetResponse{Target: target}, nil
}

// PlanRole computes what the reconciler would do for every machine of a
// role, without leasing or touching anything.
func (c *Cluster) PlanRole(ctx context.Context, req *rpc.PlanRoleRequest) (*rpc.PlanRoleResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	if req.Role == "" {
		return nil, errors.New("role is required")
	}
	target, _, err := registry.Target(ctx, c.Registry, req.Role)
	if err != nil {
		return nil, err
	}
	offers, err := registry.Offers(ctx, c.Registry)
	if err != nil {
		return nil, err
	}
	machines, err := registry.Machines(ctx, c.Registry)
	if err != nil {
		return nil, err
	}

	resp := &rpc.PlanRoleResponse{}
	for _, m := range machines {
		if m.Role != req.Role {
			continue
		}
		bindings, err := relation.Resolve(target, offers, m.Observed.Bindings)
		if err != nil {
			return nil, err
		}
		resp.Plans = append(resp.Plans, plan.Compute(m, target, bindings))
	}
	return resp, nil
}

func (c *Cluster) ListStatus(ctx context.Context, req *rpc.ListStatusRequest) (*rpc.ListStatusResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	machines, err := registry.Machines(ctx, c.Registry)
	if err != nil {
		return nil, err
	}
	statuses, err := registry.Statuses(ctx, c.Registry)
	if err != nil {
		return nil, err
	}
	resp := &rpc.ListStatusResponse{}
	for _, m := range machines {
		if req.Role != "" && m.Role != req.Role {
			continue
		}
		resp.Statuses = append(resp.Statuses, statusOrPending(statuses, m.ID))
	}
	return resp, nil
}

func (c *Cluster) SetOffer(ctx context.Context, req *rpc.SetOfferRequest) (*rpc.SetOfferResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	offer := req.Offer
	if strings.TrimSpace(offer.Name) == "" {
		return nil, errors.New("offer name is required")
	}
	if strings.TrimSpace(offer.Endpoint) == "" {
		return nil, errors.New("offer endpoint is required")
	}
	if _, err := url.Parse(offer.Endpoint); err != nil {
		return nil, fmt.Errorf("parse offer endpoint %q: %w", offer.Endpoint, err)
	}
	offer.UpdatedAt = c.getClock().Now().UTC()
	if err := registry.SaveOffer(ctx, c.Registry, offer); err != nil {
		return nil, err
	}
	return &rpc.SetOfferResponse{Offer: offer}, nil
}

// DeleteOffer removes a directory entry. Machines bound to it keep their
// binding; the next resolution against the shrunk directory decides what
// happens, and mandatory relations park their machines rather than fail.
func (c *Cluster) DeleteOffer(ctx context.Context, req *rpc.DeleteOfferRequest) (*rpc.DeleteOfferResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	if err := c.Registry.Delete(ctx, hyperfleet.OfferKey(req.Name), 0); err != nil {
		return nil, err
	}
	return &rpc.DeleteOfferResponse{}, nil
}

func (c *Cluster) ListOffers(ctx context.Context, req *rpc.ListOffersRequest) (*rpc.ListOffersResponse, error) {
	if err := c.requireMember(ctx); err != nil {
		return nil, err
	}
	offers, err := registry.Offers(ctx, c.Registry)
	if err != nil {
		return nil, err
	}
	return &rpc.ListOffersResponse{Offers: offers}, nil
}

func validateTarget(t hyperfleet.RoleTarget) error {
	if strings.TrimSpace(t.Role) == "" {
		return errors.New("target role is required")
	}
	if strings.TrimSpace(t.Channel) == "" {
		return errors.New("target channel is required")
	}
	seen := make(map[string]bool, len(t.Relations))
	for _, rel := range t.Relations {
		if strings.TrimSpace(rel.Name) == "" {
			return errors.New("relation name is required")
		}
		if seen[rel.Name] {
			return fmt.Errorf("relation %s must be declared once", rel.Name)
		}
		seen[rel.Name] = true
	}
	return nil
}

func statusOrPending(statuses map[string]hyperfleet.ConvergenceStatus, id string) hyperfleet.ConvergenceStatus {
	if st, ok := statuses[id]; ok {
		return st
	}
	return hyperfleet.ConvergenceStatus{MachineID: id, State: hyperfleet.StatePending}
}
