package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/siderolabs/grpc-proxy/proxy"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"hyperfleet"
	"hyperfleet/internal/rpc"
)

// membershipCheckTimeout is 2s: a quorum or leader lookup slower than
// this is treated as no quorum rather than stalling the caller.
const membershipCheckTimeout = 2 * time.Second

// Cluster is the slice of the membership store the director consults
// before forwarding cluster-domain calls.
// Production: the daemon's hyperfleet.Registry.
// Testing: adapter/fake.Registry with scripted leadership.
type Cluster interface {
	HasQuorum(ctx context.Context) (bool, error)
	IsLeader(ctx context.Context) (bool, error)
	Leader(ctx context.Context) (hyperfleet.Member, error)
}

// Director dispatches calls per the static routing table. It implements
// proxy.StreamDirector for the transparent gRPC proxy.
type Director struct {
	cluster Cluster
	local   *LocalBackend

	mu      sync.Mutex
	remotes map[string]*RemoteBackend
}

func NewDirector(cluster Cluster, localSockPath string) *Director {
	return &Director{
		cluster: cluster,
		local:   NewLocalBackend(localSockPath),
		remotes: make(map[string]*RemoteBackend),
	}
}

// Director routes one call. Local-domain calls never touch the cluster
// port; cluster-domain calls require quorum and land on the leader.
func (d *Director) Director(ctx context.Context, fullMethod string) (proxy.Mode, []proxy.Backend, error) {
	decision := Route(fullMethod)
	switch decision.Domain {
	case DomainLocal:
		return proxy.One2One, []proxy.Backend{d.local}, nil
	case DomainCluster:
		backend, err := d.clusterBackend(ctx)
		if err != nil {
			return proxy.One2One, nil, err
		}
		return proxy.One2One, []proxy.Backend{backend}, nil
	default:
		return proxy.One2One, nil, status.Errorf(codes.Unimplemented, "unknown method %s", fullMethod)
	}
}

// clusterBackend picks where a cluster call runs: locally when this node
// is the leader or the call was already forwarded once, otherwise on the
// leader. No quorum means a retryable error, never a hang.
func (d *Director) clusterBackend(ctx context.Context) (proxy.Backend, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if _, forwarded := md[mdForwarded]; forwarded {
			return d.local, nil
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, membershipCheckTimeout)
	defer cancel()

	quorum, err := d.cluster.HasQuorum(checkCtx)
	if err != nil {
		return nil, rpc.Error(fmt.Errorf("quorum check: %w", hyperfleet.ErrNoQuorum))
	}
	if !quorum {
		return nil, rpc.Error(hyperfleet.ErrNoQuorum)
	}

	isLeader, err := d.cluster.IsLeader(checkCtx)
	if err != nil {
		return nil, rpc.Error(fmt.Errorf("leader check: %w", hyperfleet.ErrNoQuorum))
	}
	if isLeader {
		return d.local, nil
	}

	leader, err := d.cluster.Leader(checkCtx)
	if err != nil {
		if errors.Is(err, hyperfleet.ErrNoQuorum) {
			return nil, rpc.Error(err)
		}
		return nil, rpc.Error(fmt.Errorf("resolve leader: %w", hyperfleet.ErrNoQuorum))
	}
	return d.remoteBackend(leader.Address.String()), nil
}

func (d *Director) remoteBackend(target string) *RemoteBackend {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.remotes[target]; ok {
		return b
	}
	b := NewRemoteBackend(target)
	d.remotes[target] = b
	slog.Debug("router remote backend created", "component", "router", "target", target)
	return b
}

// Close closes every backend connection.
func (d *Director) Close() {
	d.local.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	for target, b := range d.remotes {
		b.Close()
		delete(d.remotes, target)
	}
}
