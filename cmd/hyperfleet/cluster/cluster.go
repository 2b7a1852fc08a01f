// Package clustercmd bootstraps clusters and manages membership.
package clustercmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hyperfleet/cmd/hyperfleet/cmdutil"
	"hyperfleet/cmd/hyperfleet/ui"
	"hyperfleet/internal/rpc"
)

// Cmd returns the parent "hyperfleet cluster" command.
func Cmd(hostFlag, contextFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Bootstrap and manage cluster membership",
	}

	cmd.AddCommand(bootstrapCmd(hostFlag, contextFlag))
	cmd.AddCommand(joinCmd(hostFlag, contextFlag))
	cmd.AddCommand(membersCmd(hostFlag, contextFlag))
	return cmd
}

func bootstrapCmd(hostFlag, contextFlag *string) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "bootstrap <name> <address>",
		Short: "Bootstrap a new cluster with this daemon as the first machine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewLocalClient(conn).Bootstrap(cmd.Context(), &rpc.BootstrapRequest{
				Name:    args[0],
				Address: args[1],
				Role:    role,
			})
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Cluster bootstrapped; %s enrolled with role %s.",
				ui.Bold(resp.Machine.Name), ui.Bold(resp.Machine.Role)))
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Role for the first machine (default hypervisor)")
	return cmd
}

func joinCmd(hostFlag, contextFlag *string) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "join <name> <address> <token>",
		Short: "Join an existing cluster with a single-use token",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewLocalClient(conn).Join(cmd.Context(), &rpc.JoinRequest{
				Name:    args[0],
				Address: args[1],
				Token:   args[2],
				Role:    role,
			})
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Machine %s joined with role %s.",
				ui.Bold(resp.Machine.Name), ui.Bold(resp.Machine.Role)))
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Role for the joining machine (default hypervisor)")
	return cmd
}

func membersCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List store members and the current leader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewClusterClient(conn).Members(cmd.Context(), &rpc.MembersRequest{})
			if err != nil {
				return err
			}

			var rows [][]string
			for _, m := range resp.Members {
				leader := ""
				if m.ID == resp.Leader {
					leader = ui.Accent("leader")
				}
				addr := ""
				if m.Address.IsValid() {
					addr = m.Address.String()
				}
				rows = append(rows, []string{m.ID, addr, leader})
			}
			fmt.Println(ui.Table([]string{"MEMBER", "ADDRESS", ""}, rows))
			return nil
		},
	}
}
