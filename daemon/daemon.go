// Package daemon wires the hyperfleet daemon together: the membership
// store client, the reconciler, the journal, and the gRPC listeners.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"hyperfleet"
	"hyperfleet/fleet/reconcile"
	"hyperfleet/internal/adapter/charmexec"
	"hyperfleet/internal/adapter/clusterd"
	"hyperfleet/internal/clockcheck"
	"hyperfleet/internal/daemon/membership"
	"hyperfleet/internal/daemon/server"
	"hyperfleet/internal/daemon/service"
	"hyperfleet/internal/journal"
	"hyperfleet/internal/rpc"
)

// Config is everything the daemon needs to start. Name doubles as the
// member ID; it must match what the machine enrolled as.
type Config struct {
	Name       string
	DataRoot   string
	SocketPath string
	// APIAddr is the fleet-facing gRPC address. Empty keeps the daemon
	// socket-only, which suits a single machine evaluation setup.
	APIAddr string
	// StoreAddr is the local cluster store agent's HTTP API.
	StoreAddr netip.AddrPort
	// CharmBinary overrides the charm runtime CLI. Empty uses the default.
	CharmBinary string
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("daemon name is required")
	}
	if strings.TrimSpace(c.DataRoot) == "" {
		return fmt.Errorf("daemon data root is required")
	}
	if strings.TrimSpace(c.SocketPath) == "" {
		return fmt.Errorf("daemon socket path is required")
	}
	if !c.StoreAddr.IsValid() {
		return fmt.Errorf("store address is required")
	}
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled or a
// component fails.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	log := slog.With("component", "daemon", "name", cfg.Name)

	reg, err := clusterd.NewClient(cfg.StoreAddr)
	if err != nil {
		return fmt.Errorf("create store client: %w", err)
	}

	jrnl, err := journal.Open(filepath.Join(cfg.DataRoot, "journal.db"), nil)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()

	self := hyperfleet.Member{ID: cfg.Name, Name: cfg.Name}
	if cfg.APIAddr != "" {
		addr, err := netip.ParseAddrPort(cfg.APIAddr)
		if err != nil {
			return fmt.Errorf("parse api address %q: %w", cfg.APIAddr, err)
		}
		self.Address = addr
	}

	checker := clockcheck.New(nil)
	agents := rpc.NewAgentPool()
	defer agents.Close()

	applier := &reconcile.Applier{
		Registry: reg,
		Agents:   agents,
		Holder:   cfg.Name,
	}
	super := &reconcile.Supervisor{
		Self:     self,
		Registry: reg,
		Applier:  applier,
		OnEvent:  func(kind, message string) { journalEvent(jrnl, kind, message) },
	}

	ms := &membership.Service{Registry: reg}
	srv := &server.Server{
		SocketPath: cfg.SocketPath,
		APIAddr:    cfg.APIAddr,
		Cluster:    reg,
		Local: &service.Local{
			Self:       self,
			Registry:   reg,
			Membership: ms,
			Checker:    checker,
			Journal:    jrnl,
		},
		Fleet: &service.Cluster{Self: self, Registry: reg, Membership: ms},
		Agent: &service.Agent{Self: self, Runner: charmexec.New(cfg.CharmBinary)},
	}

	log.Info("starting daemon", "data_root", cfg.DataRoot)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checker.Run(ctx)
		return nil
	})
	g.Go(func() error { return super.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	return g.Wait()
}

// journalEvent persists one supervisor event, extracting the machine ID
// from the conventional "<machine>: detail" message shape where the
// event concerns a single machine.
func journalEvent(jrnl *journal.Journal, kind, message string) {
	var machine string
	switch kind {
	case "converge.success":
		machine = message
	case "converge.error", "converge.paused":
		if id, _, ok := strings.Cut(message, ":"); ok {
			machine = strings.TrimSpace(id)
		}
	}
	if err := jrnl.Append(kind, machine, message); err != nil {
		slog.Warn("journal append failed", "component", "daemon", "kind", kind, "err", err)
	}
}
