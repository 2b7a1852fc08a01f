package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Service names carry the routing domain in their package prefix. The
// router classifies methods by that prefix alone, so new services must
// pick the right namespace.
const (
	ServiceLocal   = "hyperfleet.local.v1.Local"
	ServiceCluster = "hyperfleet.cluster.v1.Cluster"
	ServiceAgent   = "hyperfleet.agent.v1.Agent"
)

const (
	MethodLocalHealth      = "/" + ServiceLocal + "/Health"
	MethodLocalDiagnostics = "/" + ServiceLocal + "/Diagnostics"
	MethodLocalBootstrap   = "/" + ServiceLocal + "/Bootstrap"
	MethodLocalJoin        = "/" + ServiceLocal + "/Join"

	MethodClusterMembers          = "/" + ServiceCluster + "/Members"
	MethodClusterGenerateToken    = "/" + ServiceCluster + "/GenerateToken"
	MethodClusterListTokens       = "/" + ServiceCluster + "/ListTokens"
	MethodClusterDeleteToken      = "/" + ServiceCluster + "/DeleteToken"
	MethodClusterListMachines     = "/" + ServiceCluster + "/ListMachines"
	MethodClusterGetMachine       = "/" + ServiceCluster + "/GetMachine"
	MethodClusterRemoveMachine    = "/" + ServiceCluster + "/RemoveMachine"
	MethodClusterSetMachinePaused = "/" + ServiceCluster + "/SetMachinePaused"
	MethodClusterSetTarget        = "/" + ServiceCluster + "/SetTarget"
	MethodClusterGetTarget        = "/" + ServiceCluster + "/GetTarget"
	MethodClusterPlanRole         = "/" + ServiceCluster + "/PlanRole"
	MethodClusterListStatus       = "/" + ServiceCluster + "/ListStatus"
	MethodClusterSetOffer         = "/" + ServiceCluster + "/SetOffer"
	MethodClusterDeleteOffer      = "/" + ServiceCluster + "/DeleteOffer"
	MethodClusterListOffers       = "/" + ServiceCluster + "/ListOffers"

	MethodAgentApplyOp = "/" + ServiceAgent + "/ApplyOp"
	MethodAgentObserve = "/" + ServiceAgent + "/Observe"
)

// LocalServer answers from node-local state. Bootstrap and Join live
// here: neither can require an established cluster.
type LocalServer interface {
	Health(ctx context.Context, req *HealthRequest) (*HealthReport, error)
	Diagnostics(ctx context.Context, req *DiagnosticsRequest) (*DiagnosticsReport, error)
	Bootstrap(ctx context.Context, req *BootstrapRequest) (*BootstrapResponse, error)
	Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
}

// ClusterServer serves cluster-extended state. Calls reaching it have
// already passed the router's quorum gate.
type ClusterServer interface {
	Members(ctx context.Context, req *MembersRequest) (*MembersResponse, error)
	GenerateToken(ctx context.Context, req *GenerateTokenRequest) (*GenerateTokenResponse, error)
	ListTokens(ctx context.Context, req *ListTokensRequest) (*ListTokensResponse, error)
	DeleteToken(ctx context.Context, req *DeleteTokenRequest) (*DeleteTokenResponse, error)
	ListMachines(ctx context.Context, req *ListMachinesRequest) (*ListMachinesResponse, error)
	GetMachine(ctx context.Context, req *GetMachineRequest) (*GetMachineResponse, error)
	RemoveMachine(ctx context.Context, req *RemoveMachineRequest) (*RemoveMachineResponse, error)
	SetMachinePaused(ctx context.Context, req *SetMachinePausedRequest) (*SetMachinePausedResponse, error)
	SetTarget(ctx context.Context, req *SetTargetRequest) (*SetTargetResponse, error)
	GetTarget(ctx context.Context, req *GetTargetRequest) (*GetTargetResponse, error)
	PlanRole(ctx context.Context, req *PlanRoleRequest) (*PlanRoleResponse, error)
	ListStatus(ctx context.Context, req *ListStatusRequest) (*ListStatusResponse, error)
	SetOffer(ctx context.Context, req *SetOfferRequest) (*SetOfferResponse, error)
	DeleteOffer(ctx context.Context, req *DeleteOfferRequest) (*DeleteOfferResponse, error)
	ListOffers(ctx context.Context, req *ListOffersRequest) (*ListOffersResponse, error)
}

// AgentServer applies rollout operations on the machine it runs on.
type AgentServer interface {
	ApplyOp(ctx context.Context, req *ApplyOpRequest) (*ApplyOpResponse, error)
	Observe(ctx context.Context, req *ObserveRequest) (*ObserveResponse, error)
}

// unary adapts a typed method expression to the grpc.MethodDesc handler
// shape. Domain errors are mapped to statuses here so service
// implementations return plain errors.
func unary[S any, Req any, Resp any](fullMethod string, call func(S, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			resp, err := call(srv.(S), ctx, req.(*Req))
			if err != nil {
				return nil, Error(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, req, info, handler)
	}
}

var LocalServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceLocal,
	HandlerType: (*LocalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Health", Handler: unary(MethodLocalHealth, LocalServer.Health)},
		{MethodName: "Diagnostics", Handler: unary(MethodLocalDiagnostics, LocalServer.Diagnostics)},
		{MethodName: "Bootstrap", Handler: unary(MethodLocalBootstrap, LocalServer.Bootstrap)},
		{MethodName: "Join", Handler: unary(MethodLocalJoin, LocalServer.Join)},
	},
}

var ClusterServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceCluster,
	HandlerType: (*ClusterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Members", Handler: unary(MethodClusterMembers, ClusterServer.Members)},
		{MethodName: "GenerateToken", Handler: unary(MethodClusterGenerateToken, ClusterServer.GenerateToken)},
		{MethodName: "ListTokens", Handler: unary(MethodClusterListTokens, ClusterServer.ListTokens)},
		{MethodName: "DeleteToken", Handler: unary(MethodClusterDeleteToken, ClusterServer.DeleteToken)},
		{MethodName: "ListMachines", Handler: unary(MethodClusterListMachines, ClusterServer.ListMachines)},
		{MethodName: "GetMachine", Handler: unary(MethodClusterGetMachine, ClusterServer.GetMachine)},
		{MethodName: "RemoveMachine", Handler: unary(MethodClusterRemoveMachine, ClusterServer.RemoveMachine)},
		{MethodName: "SetMachinePaused", Handler: unary(MethodClusterSetMachinePaused, ClusterServer.SetMachinePaused)},
		{MethodName: "SetTarget", Handler: unary(MethodClusterSetTarget, ClusterServer.SetTarget)},
		{MethodName: "GetTarget", Handler: unary(MethodClusterGetTarget, ClusterServer.GetTarget)},
		{MethodName: "PlanRole", Handler: unary(MethodClusterPlanRole, ClusterServer.PlanRole)},
		{MethodName: "ListStatus", Handler: unary(MethodClusterListStatus, ClusterServer.ListStatus)},
		{MethodName: "SetOffer", Handler: unary(MethodClusterSetOffer, ClusterServer.SetOffer)},
		{MethodName: "DeleteOffer", Handler: unary(MethodClusterDeleteOffer, ClusterServer.DeleteOffer)},
		{MethodName: "ListOffers", Handler: unary(MethodClusterListOffers, ClusterServer.ListOffers)},
	},
}

var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceAgent,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ApplyOp", Handler: unary(MethodAgentApplyOp, AgentServer.ApplyOp)},
		{MethodName: "Observe", Handler: unary(MethodAgentObserve, AgentServer.Observe)},
	},
}

func RegisterLocalServer(s grpc.ServiceRegistrar, srv LocalServer) {
	s.RegisterService(&LocalServiceDesc, srv)
}

func RegisterClusterServer(s grpc.ServiceRegistrar, srv ClusterServer) {
	s.RegisterService(&ClusterServiceDesc, srv)
}

func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&AgentServiceDesc, srv)
}
