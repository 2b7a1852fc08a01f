package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/siderolabs/grpc-proxy/proxy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// mdForwarded marks a call that already went through a director once.
// Receivers answer it locally instead of forwarding again.
const mdForwarded = "hyperfleet-forwarded"

// LocalBackend proxies to this daemon's own gRPC server over the
// internal unix socket.
type LocalBackend struct {
	sockPath string

	mu   sync.Mutex
	conn *grpc.ClientConn
}

var _ proxy.Backend = (*LocalBackend)(nil)

func NewLocalBackend(sockPath string) *LocalBackend {
	return &LocalBackend{sockPath: sockPath}
}

func (b *LocalBackend) String() string { return "local" }

// GetConnection returns a lazily dialed connection to the internal
// socket. Unix dials cannot fail eagerly, so one connection is enough.
func (b *LocalBackend) GetConnection(ctx context.Context, _ string) (context.Context, *grpc.ClientConn, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	outCtx := metadata.NewOutgoingContext(ctx, md.Copy())

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		conn, err := grpc.NewClient(
			"unix://"+b.sockPath,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodecV2(proxy.Codec())),
		)
		if err != nil {
			return ctx, nil, err
		}
		b.conn = conn
	}
	return outCtx, b.conn, nil
}

func (b *LocalBackend) AppendInfo(streaming bool, resp []byte) ([]byte, error) { return resp, nil }

func (b *LocalBackend) BuildError(streaming bool, err error) ([]byte, error) { return nil, err }

// Close closes the cached connection.
func (b *LocalBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// RemoteBackend proxies cluster calls to another daemon, normally the
// current leader, over TCP.
type RemoteBackend struct {
	target string

	mu   sync.Mutex
	conn *grpc.ClientConn
}

var _ proxy.Backend = (*RemoteBackend)(nil)

func NewRemoteBackend(target string) *RemoteBackend {
	return &RemoteBackend{target: target}
}

func (b *RemoteBackend) String() string { return b.target }

// GetConnection returns a connection to the remote daemon and stamps the
// outgoing metadata so the receiving director answers locally rather
// than forwarding a second hop.
func (b *RemoteBackend) GetConnection(ctx context.Context, _ string) (context.Context, *grpc.ClientConn, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	md = md.Copy()
	md.Set(mdForwarded, "1")
	delete(md, ":authority")
	outCtx := metadata.NewOutgoingContext(ctx, md)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		backoffConfig := backoff.DefaultConfig
		backoffConfig.MaxDelay = 15 * time.Second

		conn, err := grpc.NewClient(
			b.target,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff:           backoffConfig,
				MinConnectTimeout: 10 * time.Second,
			}),
			grpc.WithDefaultCallOptions(grpc.ForceCodecV2(proxy.Codec())),
		)
		if err != nil {
			return ctx, nil, err
		}
		b.conn = conn
		slog.Debug("router remote backend connected", "component", "router", "target", b.target)
	}
	return outCtx, b.conn, nil
}

func (b *RemoteBackend) AppendInfo(streaming bool, resp []byte) ([]byte, error) { return resp, nil }

func (b *RemoteBackend) BuildError(streaming bool, err error) ([]byte, error) { return nil, err }

// Close closes the cached connection.
func (b *RemoteBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}
