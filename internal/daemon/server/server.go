// Package server assembles the daemon's gRPC listeners: a direct server
// on the internal socket where the services actually run, and routing
// proxies on the operator socket and the fleet TCP address that forward
// frames without decoding them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	grpcproxy "github.com/siderolabs/grpc-proxy/proxy"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"hyperfleet/internal/router"
	"hyperfleet/internal/rpc"
)

// serveGoroutineCount is 3: direct server + operator socket proxy +
// fleet TCP proxy.
const serveGoroutineCount = 3

// Server wires service implementations to listeners. All fields are
// required except APIAddr; an empty APIAddr skips the fleet TCP
// listener, which single-node setups use.
type Server struct {
	SocketPath string
	APIAddr    string

	Cluster router.Cluster // injected: membership store
	Local   rpc.LocalServer
	Fleet   rpc.ClusterServer
	Agent   rpc.AgentServer
}

// ListenAndServe runs every listener until ctx ends or one fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	log := slog.With("component", "server", "socket", s.SocketPath)
	internalSock := InternalSocketPath(s.SocketPath)

	direct := grpc.NewServer(
		grpc.ForceServerCodec(rpc.Codec{}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	rpc.RegisterLocalServer(direct, s.Local)
	rpc.RegisterClusterServer(direct, s.Fleet)
	rpc.RegisterAgentServer(direct, s.Agent)

	directLn, err := listenUnix(internalSock)
	if err != nil {
		return fmt.Errorf("listen internal socket: %w", err)
	}
	log.Debug("internal listener started", "socket", internalSock)
	serveErr := make(chan error, serveGoroutineCount)
	go func() { serveErr <- direct.Serve(&credListener{Listener: directLn, log: log}) }()

	director := router.NewDirector(s.Cluster, internalSock)
	proxySrv := newProxyServer(director)

	proxyLn, err := listenUnix(s.SocketPath)
	if err != nil {
		direct.GracefulStop()
		_ = os.Remove(internalSock)
		return fmt.Errorf("listen operator socket: %w", err)
	}
	log.Debug("operator listener started")
	go func() { serveErr <- proxySrv.Serve(proxyLn) }()

	var tcpSrv *grpc.Server
	if s.APIAddr != "" {
		tcpSrv = newProxyServer(director)
		tcpLn, err := net.Listen("tcp", s.APIAddr)
		if err != nil {
			proxySrv.GracefulStop()
			direct.GracefulStop()
			director.Close()
			_ = os.Remove(s.SocketPath)
			_ = os.Remove(internalSock)
			return fmt.Errorf("listen fleet address: %w", err)
		}
		log.Debug("fleet listener started", "addr", s.APIAddr)
		go func() { serveErr <- tcpSrv.Serve(tcpLn) }()
	}

	var retErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down listeners")
	case retErr = <-serveErr:
		log.Error("listener exited", "err", retErr)
	}

	if tcpSrv != nil {
		tcpSrv.GracefulStop()
	}
	proxySrv.GracefulStop()
	direct.GracefulStop()
	director.Close()
	_ = os.Remove(s.SocketPath)
	_ = os.Remove(internalSock)
	return retErr
}

// newProxyServer builds a transparent forwarding server. The proxy codec
// moves frames as raw bytes, so routed calls cost no re-encoding.
func newProxyServer(director *router.Director) *grpc.Server {
	return grpc.NewServer(
		grpc.ForceServerCodecV2(grpcproxy.Codec()),
		grpc.UnknownServiceHandler(grpcproxy.TransparentHandler(director.Director)),
	)
}

// InternalSocketPath derives the direct server's socket from the
// operator socket: "hyperfleetd.sock" becomes "hyperfleetd-internal.sock"
// in the same directory.
func InternalSocketPath(externalPath string) string {
	dir := filepath.Dir(externalPath)
	base := filepath.Base(externalPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, name+"-internal"+ext)
}

// credListener rejects internal-socket connections whose peer fails the
// credential check instead of handing them to the gRPC server.
type credListener struct {
	net.Listener
	log *slog.Logger
}

func (l *credListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if err := checkPeer(conn); err != nil {
			l.log.Warn("internal socket connection refused", "err", err)
			_ = conn.Close()
			continue
		}
		return conn, nil
	}
}

func listenUnix(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	if err := ensureSocketGroup(socketPath); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

// ensureSocketGroup widens socket access for operators: the hyperfleet
// group on Linux, world-writable on darwin where unix groups are not a
// useful boundary. Missing group or permission means we leave the 0660
// root-only default in place.
func ensureSocketGroup(socketPath string) error {
	switch runtime.GOOS {
	case "darwin":
		if err := os.Chmod(socketPath, 0o666); err != nil {
			if errors.Is(err, os.ErrPermission) {
				return nil
			}
			return fmt.Errorf("set daemon socket permissions: %w", err)
		}
		return nil
	case "linux":
		group, err := user.LookupGroup("hyperfleet")
		if err != nil {
			return nil
		}
		gid, err := strconv.Atoi(group.Gid)
		if err != nil {
			return nil
		}
		if err := os.Chown(socketPath, -1, gid); err != nil {
			if errors.Is(err, os.ErrPermission) {
				return nil
			}
			return fmt.Errorf("set daemon socket group: %w", err)
		}
		return nil
	default:
		return nil
	}
}
