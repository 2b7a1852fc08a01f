package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	clustercmd "hyperfleet/cmd/hyperfleet/cluster"
	contextcmd "hyperfleet/cmd/hyperfleet/context"
	machinecmd "hyperfleet/cmd/hyperfleet/machine"
	offercmd "hyperfleet/cmd/hyperfleet/offer"
	statuscmd "hyperfleet/cmd/hyperfleet/status"
	targetcmd "hyperfleet/cmd/hyperfleet/target"
	tokencmd "hyperfleet/cmd/hyperfleet/token"
	"hyperfleet/cmd/hyperfleet/ui"
	"hyperfleet/internal/logging"
	"hyperfleet/internal/support/buildinfo"
)

func main() {
	var (
		debug         bool
		noInteraction bool
		host          string
		contextName   string
	)
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "hyperfleet",
		Short:         "Operate a hyperfleet cluster",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureInteraction(noInteraction)

			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Disable prompts and colored output")

	// Connection flags — available to all subcommands.
	root.PersistentFlags().StringVar(&host, "host", "", "Connect directly to a socket path or host:port")
	root.PersistentFlags().StringVar(&contextName, "context", "", "Context name to use")

	root.AddCommand(contextcmd.Cmd())
	root.AddCommand(clustercmd.Cmd(&host, &contextName))
	root.AddCommand(machinecmd.Cmd(&host, &contextName))
	root.AddCommand(targetcmd.Cmd(&host, &contextName))
	root.AddCommand(offercmd.Cmd(&host, &contextName))
	root.AddCommand(tokencmd.Cmd(&host, &contextName))
	root.AddCommand(statuscmd.Cmd(&host, &contextName))
	root.AddCommand(statuscmd.DiagnosticsCmd(&host, &contextName))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
