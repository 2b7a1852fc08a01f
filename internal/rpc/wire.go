package rpc

import (
	"time"

	"hyperfleet"
)

// Node-local service messages.

type HealthRequest struct{}

// ClockHealth reports NTP offset checking for one daemon.
type ClockHealth struct {
	OffsetMs float64 `json:"offset_ms"`
	Healthy  bool    `json:"healthy"`
	Error    string  `json:"error,omitempty"`
}

type HealthReport struct {
	Member    hyperfleet.Member `json:"member"`
	Ready     bool              `json:"ready"`
	HasQuorum bool              `json:"has_quorum"`
	IsLeader  bool              `json:"is_leader"`
	Clock     ClockHealth       `json:"clock"`
}

type DiagnosticsRequest struct {
	// JournalLimit caps returned journal events. Zero means the server
	// default.
	JournalLimit int `json:"journal_limit,omitempty"`
}

// MemberHealth pairs a member with its last observed heartbeat.
type MemberHealth struct {
	Member    hyperfleet.Member `json:"member"`
	Heartbeat time.Time         `json:"heartbeat"`
	Stale     bool              `json:"stale"`
}

// JournalEvent is one reconciliation journal line as served to clients.
type JournalEvent struct {
	Seq     int64     `json:"seq"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Machine string    `json:"machine,omitempty"`
	Message string    `json:"message"`
}

type DiagnosticsReport struct {
	Self    hyperfleet.Member `json:"self"`
	Members []MemberHealth    `json:"members"`
	Clock   ClockHealth       `json:"clock"`
	Journal []JournalEvent    `json:"journal,omitempty"`
}

type BootstrapRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Role    string `json:"role,omitempty"`
}

type BootstrapResponse struct {
	Machine hyperfleet.Machine `json:"machine"`
}

type JoinRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Token   string `json:"token"`
	Role    string `json:"role,omitempty"`
}

type JoinResponse struct {
	Machine hyperfleet.Machine `json:"machine"`
}

// Cluster service messages.

type MembersRequest struct{}

type MembersResponse struct {
	Members []hyperfleet.Member `json:"members"`
	Leader  string              `json:"leader,omitempty"`
}

type GenerateTokenRequest struct {
	Name string `json:"name"`
}

type GenerateTokenResponse struct {
	Token hyperfleet.JoinToken `json:"token"`
}

type ListTokensRequest struct{}

// TokenInfo lists a token without its secret.
type TokenInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type ListTokensResponse struct {
	Tokens []TokenInfo `json:"tokens"`
}

type DeleteTokenRequest struct {
	Name string `json:"name"`
}

type DeleteTokenResponse struct{}

type ListMachinesRequest struct {
	// Role filters to one role when non-empty.
	Role string `json:"role,omitempty"`
}

// MachineStatus pairs a machine record with its convergence status.
type MachineStatus struct {
	Machine hyperfleet.Machine           `json:"machine"`
	Status  hyperfleet.ConvergenceStatus `json:"status"`
}

type ListMachinesResponse struct {
	Machines []MachineStatus `json:"machines"`
}

type GetMachineRequest struct {
	ID string `json:"id"`
}

type GetMachineResponse struct {
	Machine hyperfleet.Machine           `json:"machine"`
	Status  hyperfleet.ConvergenceStatus `json:"status"`
}

type RemoveMachineRequest struct {
	ID string `json:"id"`
}

type RemoveMachineResponse struct{}

type SetMachinePausedRequest struct {
	ID     string `json:"id"`
	Paused bool   `json:"paused"`
}

type SetMachinePausedResponse struct {
	Machine hyperfleet.Machine `json:"machine"`
}

type SetTargetRequest struct {
	// Target.Generation is assigned by the server; submitted values are
	// ignored.
	Target hyperfleet.RoleTarget `json:"target"`
}

type SetTargetResponse struct {
	Target hyperfleet.RoleTarget `json:"target"`
}

type GetTargetRequest struct {
	Role string `json:"role"`
}

type GetTargetResponse struct {
	Target hyperfleet.RoleTarget `json:"target"`
}

type PlanRoleRequest struct {
	Role string `json:"role"`
}

type PlanRoleResponse struct {
	Plans []hyperfleet.Plan `json:"plans"`
}

type ListStatusRequest struct {
	Role string `json:"role,omitempty"`
}

type ListStatusResponse struct {
	Statuses []hyperfleet.ConvergenceStatus `json:"statuses"`
}

type SetOfferRequest struct {
	Offer hyperfleet.Offer `json:"offer"`
}

type SetOfferResponse struct {
	Offer hyperfleet.Offer `json:"offer"`
}

type DeleteOfferRequest struct {
	Name string `json:"name"`
}

type DeleteOfferResponse struct{}

type ListOffersRequest struct{}

type ListOffersResponse struct {
	Offers []hyperfleet.Offer `json:"offers"`
}

// Agent service messages.

type ApplyOpRequest struct {
	Machine hyperfleet.Machine `json:"machine"`
	Op      hyperfleet.Op      `json:"op"`
}

type ApplyOpResponse struct {
	Observed hyperfleet.Observed `json:"observed"`
}

type ObserveRequest struct{}

type ObserveResponse struct {
	Observed hyperfleet.Observed `json:"observed"`
}
