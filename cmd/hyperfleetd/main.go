package main

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"hyperfleet/daemon"
	"hyperfleet/internal/logging"
	"hyperfleet/internal/support/buildinfo"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		name        string
		socketPath  string
		dataRoot    string
		apiAddr     string
		storeAddr   string
		charmBinary string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:     "hyperfleetd",
		Short:   "Hyperfleet control plane daemon",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()

			store, err := netip.ParseAddrPort(storeAddr)
			if err != nil {
				return fmt.Errorf("parse store address %q: %w", storeAddr, err)
			}
			if name == "" {
				name, err = os.Hostname()
				if err != nil {
					return fmt.Errorf("resolve hostname: %w", err)
				}
			}
			return daemon.Run(ctx, daemon.Config{
				Name:        name,
				DataRoot:    dataRoot,
				SocketPath:  socketPath,
				APIAddr:     apiAddr,
				StoreAddr:   store,
				CharmBinary: charmBinary,
			})
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&name, "name", "", "Member name (defaults to the hostname)")
	cmd.Flags().StringVar(&socketPath, "socket", defaultSocketPath(), "Unix socket path")
	cmd.Flags().StringVar(&dataRoot, "data-root", defaultDataRoot(), "Daemon data root")
	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "Fleet-facing gRPC address (host:port)")
	cmd.Flags().StringVar(&storeAddr, "store", "127.0.0.1:9444", "Cluster store agent address")
	cmd.Flags().StringVar(&charmBinary, "charm-binary", "", "Charm runtime CLI binary")
	return cmd
}

func defaultSocketPath() string {
	if runtime.GOOS == "darwin" {
		return "/tmp/hyperfleetd.sock"
	}
	return "/var/run/hyperfleetd.sock"
}

func defaultDataRoot() string {
	if runtime.GOOS == "darwin" {
		return "/usr/local/var/lib/hyperfleet"
	}
	return "/var/lib/hyperfleet"
}
