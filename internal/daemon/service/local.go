// Package service implements the daemon's rpc surfaces over the
// membership store and the fleet packages. Handlers return plain domain
// errors; the rpc layer maps them to statuses.
package service

import (
	"context"
	"encoding/json"
	"time"

	"hyperfleet"
	"hyperfleet/internal/clockcheck"
	"hyperfleet/internal/daemon/membership"
	"hyperfleet/internal/journal"
	"hyperfleet/internal/rpc"
)

// heartbeatStaleAfter is 5s: five missed beats at the supervisor's 1s
// cadence before a member counts as stale.
const heartbeatStaleAfter = 5 * time.Second

// ClockChecker reports the machine's NTP offset state.
type ClockChecker interface {
	Status() clockcheck.Status
}

// JournalReader serves recent reconciliation events.
type JournalReader interface {
	Recent(limit int) ([]journal.Event, error)
}

// Local answers from node-local state. It must keep working while the
// cluster has no quorum: health and diagnostics are what operators reach
// for exactly then.
type Local struct {
	Self       hyperfleet.Member
	Registry   hyperfleet.Registry // injected: membership store
	Membership *membership.Service // injected
	Checker    ClockChecker        // optional
	Journal    JournalReader       // optional
	Clock      hyperfleet.Clock
}

var _ rpc.LocalServer = (*Local)(nil)

func (l *Local) getClock() hyperfleet.Clock {
	if l.Clock != nil {
		return l.Clock
	}
	return hyperfleet.RealClock{}
}

// Health reports this daemon's view of itself. Quorum and leadership are
// best effort: a health probe must not fail because the store is down.
func (l *Local) Health(ctx context.Context, req *rpc.HealthRequest) (*rpc.HealthReport, error) {
	report := &rpc.HealthReport{Member: l.Self, Ready: true}
	if ok, err := l.Registry.HasQuorum(ctx); err == nil {
		report.HasQuorum = ok
	}
	if ok, err := l.Registry.IsLeader(ctx); err == nil {
		report.IsLeader = ok
	}
	if l.Checker != nil {
		report.Clock = clockHealth(l.Checker.Status())
	}
	return report, nil
}

// Diagnostics reports member liveness and recent journal activity.
func (l *Local) Diagnostics(ctx context.Context, req *rpc.DiagnosticsRequest) (*rpc.DiagnosticsReport, error) {
	report := &rpc.DiagnosticsReport{Self: l.Self}
	if l.Checker != nil {
		report.Clock = clockHealth(l.Checker.Status())
	}

	members, err := l.Registry.Members(ctx)
	if err != nil {
		// Degraded view: still report what this node knows about itself.
		members = []hyperfleet.Member{l.Self}
	}
	now := l.getClock().Now()
	for _, m := range members {
		report.Members = append(report.Members, l.memberHealth(ctx, m, now))
	}

	if l.Journal != nil {
		events, err := l.Journal.Recent(req.JournalLimit)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			report.Journal = append(report.Journal, rpc.JournalEvent{
				Seq:     ev.Seq,
				At:      ev.At,
				Kind:    ev.Kind,
				Machine: ev.Machine,
				Message: ev.Message,
			})
		}
	}
	return report, nil
}

func (l *Local) Bootstrap(ctx context.Context, req *rpc.BootstrapRequest) (*rpc.BootstrapResponse, error) {
	m, err := l.Membership.Bootstrap(ctx, req.Name, req.Address, req.Role)
	if err != nil {
		return nil, err
	}
	return &rpc.BootstrapResponse{Machine: m}, nil
}

func (l *Local) Join(ctx context.Context, req *rpc.JoinRequest) (*rpc.JoinResponse, error) {
	m, err := l.Membership.Join(ctx, req.Name, req.Address, req.Role, req.Token)
	if err != nil {
		return nil, err
	}
	return &rpc.JoinResponse{Machine: m}, nil
}

// memberHealth pairs a member with its last heartbeat. A missing or
// undecodable heartbeat reports stale with a zero timestamp.
func (l *Local) memberHealth(ctx context.Context, m hyperfleet.Member, now time.Time) rpc.MemberHealth {
	health := rpc.MemberHealth{Member: m, Stale: true}
	entry, err := l.Registry.Get(ctx, hyperfleet.HeartbeatKey(m.ID))
	if err != nil {
		return health
	}
	var beat struct {
		Member string    `json:"member"`
		At     time.Time `json:"at"`
	}
	if err := json.Unmarshal(entry.Value, &beat); err != nil {
		return health
	}
	health.Heartbeat = beat.At
	health.Stale = now.Sub(beat.At) > heartbeatStaleAfter
	return health
}

func clockHealth(st clockcheck.Status) rpc.ClockHealth {
	return rpc.ClockHealth{
		OffsetMs: float64(st.Offset) / float64(time.Millisecond),
		Healthy:  st.Healthy,
		Error:    st.Error,
	}
}
