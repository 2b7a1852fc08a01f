// Package machinecmd inspects and manages enrolled machines.
package machinecmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"hyperfleet/cmd/hyperfleet/cmdutil"
	"hyperfleet/cmd/hyperfleet/ui"
	"hyperfleet/internal/rpc"
)

// Cmd returns the parent "hyperfleet machine" command. hostFlag and
// contextFlag point at the root persistent flag values.
func Cmd(hostFlag, contextFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Inspect and manage enrolled machines",
	}

	cmd.AddCommand(listCmd(hostFlag, contextFlag))
	cmd.AddCommand(showCmd(hostFlag, contextFlag))
	cmd.AddCommand(pauseCmd(hostFlag, contextFlag, true))
	cmd.AddCommand(pauseCmd(hostFlag, contextFlag, false))
	cmd.AddCommand(removeCmd(hostFlag, contextFlag))
	return cmd
}

func listCmd(hostFlag, contextFlag *string) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List machines and their convergence state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewClusterClient(conn).ListMachines(cmd.Context(), &rpc.ListMachinesRequest{Role: role})
			if err != nil {
				return err
			}
			if len(resp.Machines) == 0 {
				fmt.Println(ui.InfoMsg("No machines enrolled."))
				return nil
			}

			var rows [][]string
			for _, ms := range resp.Machines {
				paused := ""
				if ms.Machine.Paused {
					paused = "paused"
				}
				rows = append(rows, []string{
					ms.Machine.ID,
					ms.Machine.Role,
					ms.Machine.Address.String(),
					ui.State(ms.Status.State.String()),
					strconv.FormatUint(ms.Status.Generation, 10),
					paused,
				})
			}
			fmt.Println(ui.Table([]string{"NAME", "ROLE", "ADDRESS", "STATE", "GEN", ""}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Only machines holding this role")
	return cmd
}

func showCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one machine in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewClusterClient(conn).GetMachine(cmd.Context(), &rpc.GetMachineRequest{ID: args[0]})
			if err != nil {
				return err
			}

			m, st := resp.Machine, resp.Status
			pairs := []ui.Pair{
				ui.KV("Name", m.Name),
				ui.KV("Role", m.Role),
				ui.KV("Address", m.Address.String()),
				ui.KV("State", ui.State(st.State.String())),
				ui.KV("Generation", strconv.FormatUint(st.Generation, 10)),
				ui.KV("Paused", ui.Bool(m.Paused)),
				ui.KV("Channel", m.Observed.Channel),
			}
			if st.Reason != "" {
				pairs = append(pairs, ui.KV("Reason", ui.Warn(st.Reason)))
			}
			fmt.Println(ui.KeyValues("  ", pairs...))

			if len(m.Observed.Bindings) > 0 {
				var rows [][]string
				for name, b := range m.Observed.Bindings {
					endpoint := b.Endpoint
					if b.Absent {
						endpoint = ui.Muted("(absent)")
					}
					rows = append(rows, []string{name, endpoint})
				}
				fmt.Println(ui.Table([]string{"RELATION", "ENDPOINT"}, rows))
			}
			return nil
		},
	}
}

func pauseCmd(hostFlag, contextFlag *string, pause bool) *cobra.Command {
	use, short, done := "pause <name>", "Exclude a machine from reconciliation", "paused"
	if !pause {
		use, short, done = "resume <name>", "Return a machine to reconciliation", "resumed"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			_, err = rpc.NewClusterClient(conn).SetMachinePaused(cmd.Context(), &rpc.SetMachinePausedRequest{
				ID:     args[0],
				Paused: pause,
			})
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Machine %s %s.", ui.Bold(args[0]), done))
			return nil
		},
	}
}

func removeCmd(hostFlag, contextFlag *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "remove <name>",
		Short:   "Decommission a machine",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if !yes {
				confirmed, err := ui.Confirm(
					fmt.Sprintf("Remove machine %s from the fleet?", ui.Bold(name)),
					"use --yes to skip",
				)
				if err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}

			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			_, err = rpc.NewClusterClient(conn).RemoveMachine(cmd.Context(), &rpc.RemoveMachineRequest{ID: name})
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Machine %s removed.", ui.Bold(name)))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}
