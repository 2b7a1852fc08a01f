package service

import (
	"context"
	"fmt"

	"hyperfleet"
	"hyperfleet/internal/rpc"
)

// Agent applies rollout operations on the machine it runs on. Only the
// lease-holding reconciler calls it, and only over the fleet network.
type Agent struct {
	Self   hyperfleet.Member
	Runner hyperfleet.Runner // injected: charm runtime
}

var _ rpc.AgentServer = (*Agent)(nil)

// ApplyOp executes one op and reports the state observed afterwards. The
// machine check catches a reconciler acting on a stale machine record.
func (a *Agent) ApplyOp(ctx context.Context, req *rpc.ApplyOpRequest) (*rpc.ApplyOpResponse, error) {
	if req.Machine.ID != a.Self.ID {
		return nil, fmt.Errorf("op target must be %s, got %s", a.Self.ID, req.Machine.ID)
	}
	if err := a.Runner.Run(ctx, req.Op); err != nil {
		return nil, err
	}
	observed, err := a.Runner.Observe(ctx)
	if err != nil {
		return nil, err
	}
	return &rpc.ApplyOpResponse{Observed: observed}, nil
}

func (a *Agent) Observe(ctx context.Context, req *rpc.ObserveRequest) (*rpc.ObserveResponse, error) {
	observed, err := a.Runner.Observe(ctx)
	if err != nil {
		return nil, err
	}
	return &rpc.ObserveResponse{Observed: observed}, nil
}
