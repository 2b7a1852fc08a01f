package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hyperfleet"
	"hyperfleet/fleet/reconcile"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
)

// invoke issues one unary call with the JSON codec and maps the status
// back to a domain error.
func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any) (*Resp, error) {
	resp := new(Resp)
	if err := cc.Invoke(ctx, method, req, resp, grpc.ForceCodec(Codec{})); err != nil {
		return nil, FromError(err)
	}
	return resp, nil
}

// LocalClient calls the node-local service. It satisfies LocalServer so
// in-process callers and remote callers share one shape.
type LocalClient struct {
	cc grpc.ClientConnInterface
}

var _ LocalServer = (*LocalClient)(nil)

func NewLocalClient(cc grpc.ClientConnInterface) *LocalClient {
	return &LocalClient{cc: cc}
}

func (c *LocalClient) Health(ctx context.Context, req *HealthRequest) (*HealthReport, error) {
	return invoke[HealthReport](ctx, c.cc, MethodLocalHealth, req)
}

func (c *LocalClient) Diagnostics(ctx context.Context, req *DiagnosticsRequest) (*DiagnosticsReport, error) {
	return invoke[DiagnosticsReport](ctx, c.cc, MethodLocalDiagnostics, req)
}

func (c *LocalClient) Bootstrap(ctx context.Context, req *BootstrapRequest) (*BootstrapResponse, error) {
	return invoke[BootstrapResponse](ctx, c.cc, MethodLocalBootstrap, req)
}

func (c *LocalClient) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	return invoke[JoinResponse](ctx, c.cc, MethodLocalJoin, req)
}

// ClusterClient calls the cluster service through whatever endpoint it
// is handed; the daemon's router takes care of leader forwarding.
type ClusterClient struct {
	cc grpc.ClientConnInterface
}

var _ ClusterServer = (*ClusterClient)(nil)

func NewClusterClient(cc grpc.ClientConnInterface) *ClusterClient {
	return &ClusterClient{cc: cc}
}

func (c *ClusterClient) Members(ctx context.Context, req *MembersRequest) (*MembersResponse, error) {
	return invoke[MembersResponse](ctx, c.cc, MethodClusterMembers, req)
}

func (c *ClusterClient) GenerateToken(ctx context.Context, req *GenerateTokenRequest) (*GenerateTokenResponse, error) {
	return invoke[GenerateTokenResponse](ctx, c.cc, MethodClusterGenerateToken, req)
}

func (c *ClusterClient) ListTokens(ctx context.Context, req *ListTokensRequest) (*ListTokensResponse, error) {
	return invoke[ListTokensResponse](ctx, c.cc, MethodClusterListTokens, req)
}

func (c *ClusterClient) DeleteToken(ctx context.Context, req *DeleteTokenRequest) (*DeleteTokenResponse, error) {
	return invoke[DeleteTokenResponse](ctx, c.cc, MethodClusterDeleteToken, req)
}

func (c *ClusterClient) ListMachines(ctx context.Context, req *ListMachinesRequest) (*ListMachinesResponse, error) {
	return invoke[ListMachinesResponse](ctx, c.cc, MethodClusterListMachines, req)
}

func (c *ClusterClient) GetMachine(ctx context.Context, req *GetMachineRequest) (*GetMachineResponse, error) {
	return invoke[GetMachineResponse](ctx, c.cc, MethodClusterGetMachine, req)
}

func (c *ClusterClient) RemoveMachine(ctx context.Context, req *RemoveMachineRequest) (*RemoveMachineResponse, error) {
	return invoke[RemoveMachineResponse](ctx, c.cc, MethodClusterRemoveMachine, req)
}

func (c *ClusterClient) SetMachinePaused(ctx context.Context, req *SetMachinePausedRequest) (*SetMachinePausedResponse, error) {
	return invoke[SetMachinePausedResponse](ctx, c.cc, MethodClusterSetMachinePaused, req)
}

func (c *ClusterClient) SetTarget(ctx context.Context, req *SetTargetRequest) (*SetTargetResponse, error) {
	return invoke[SetTargetResponse](ctx, c.cc, MethodClusterSetTarget, req)
}

func (c *ClusterClient) GetTarget(ctx context.Context, req *GetTargetRequest) (*GetTargetResponse, error) {
	return invoke[GetTargetResponse](ctx, c.cc, MethodClusterGetTarget, req)
}

func (c *ClusterClient) PlanRole(ctx context.Context, req *PlanRoleRequest) (*PlanRoleResponse, error) {
	return invoke[PlanRoleResponse](ctx, c.cc, MethodClusterPlanRole, req)
}

func (c *ClusterClient) ListStatus(ctx context.Context, req *ListStatusRequest) (*ListStatusResponse, error) {
	return invoke[ListStatusResponse](ctx, c.cc, MethodClusterListStatus, req)
}

func (c *ClusterClient) SetOffer(ctx context.Context, req *SetOfferRequest) (*SetOfferResponse, error) {
	return invoke[SetOfferResponse](ctx, c.cc, MethodClusterSetOffer, req)
}

func (c *ClusterClient) DeleteOffer(ctx context.Context, req *DeleteOfferRequest) (*DeleteOfferResponse, error) {
	return invoke[DeleteOfferResponse](ctx, c.cc, MethodClusterDeleteOffer, req)
}

func (c *ClusterClient) ListOffers(ctx context.Context, req *ListOffersRequest) (*ListOffersResponse, error) {
	return invoke[ListOffersResponse](ctx, c.cc, MethodClusterListOffers, req)
}

// AgentClient calls the agent service on a single machine daemon.
type AgentClient struct {
	cc grpc.ClientConnInterface
}

var _ AgentServer = (*AgentClient)(nil)

func NewAgentClient(cc grpc.ClientConnInterface) *AgentClient {
	return &AgentClient{cc: cc}
}

func (c *AgentClient) ApplyOp(ctx context.Context, req *ApplyOpRequest) (*ApplyOpResponse, error) {
	return invoke[ApplyOpResponse](ctx, c.cc, MethodAgentApplyOp, req)
}

func (c *AgentClient) Observe(ctx context.Context, req *ObserveRequest) (*ObserveResponse, error) {
	return invoke[ObserveResponse](ctx, c.cc, MethodAgentObserve, req)
}

// AgentPool dials machine agents on demand and caches one connection per
// address. It is the production executor behind the applier.
type AgentPool struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

var _ reconcile.Agents = (*AgentPool)(nil)

func NewAgentPool() *AgentPool {
	return &AgentPool{conns: make(map[string]*grpc.ClientConn)}
}

// Apply runs one rollout op on the machine's agent and returns the state
// the agent observed afterwards.
func (p *AgentPool) Apply(ctx context.Context, m hyperfleet.Machine, op hyperfleet.Op) (hyperfleet.Observed, error) {
	conn, err := p.conn(m.Address.String())
	if err != nil {
		return hyperfleet.Observed{}, fmt.Errorf("dial agent %s: %w", m.ID, err)
	}
	resp, err := invoke[ApplyOpResponse](ctx, conn, MethodAgentApplyOp, &ApplyOpRequest{Machine: m, Op: op})
	if err != nil {
		return hyperfleet.Observed{}, fmt.Errorf("apply %s on machine %s: %w", op.Kind, m.ID, err)
	}
	return resp.Observed, nil
}

func (p *AgentPool) conn(target string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[target]; ok {
		return conn, nil
	}

	backoffConfig := backoff.DefaultConfig
	backoffConfig.MaxDelay = 15 * time.Second

	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoffConfig,
			MinConnectTimeout: 10 * time.Second,
		}),
	)
	if err != nil {
		return nil, err
	}
	p.conns[target] = conn
	slog.Debug("agent connection opened", "component", "agent-pool", "target", target)
	return conn, nil
}

// Close closes every cached agent connection.
func (p *AgentPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for target, conn := range p.conns {
		conn.Close()
		delete(p.conns, target)
	}
}
