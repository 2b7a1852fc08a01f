// Package targetcmd submits and inspects role targets.
package targetcmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"hyperfleet/cmd/hyperfleet/cmdutil"
	"hyperfleet/cmd/hyperfleet/ui"
	"hyperfleet/config"
	"hyperfleet/internal/rpc"
)

// Cmd returns the parent "hyperfleet target" command.
func Cmd(hostFlag, contextFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Declare and inspect role targets",
	}

	cmd.AddCommand(submitCmd(hostFlag, contextFlag))
	cmd.AddCommand(getCmd(hostFlag, contextFlag))
	cmd.AddCommand(planCmd(hostFlag, contextFlag))
	return cmd
}

func submitCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a role target from a YAML descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := config.LoadTarget(args[0])
			if err != nil {
				return err
			}

			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewClusterClient(conn).SetTarget(cmd.Context(), &rpc.SetTargetRequest{Target: target})
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Target for role %s active at generation %s.",
				ui.Bold(resp.Target.Role), ui.Bold(strconv.FormatUint(resp.Target.Generation, 10))))
			return nil
		},
	}
}

func getCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <role>",
		Short: "Show the active target for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewClusterClient(conn).GetTarget(cmd.Context(), &rpc.GetTargetRequest{Role: args[0]})
			if err != nil {
				return err
			}

			t := resp.Target
			fmt.Println(ui.KeyValues("  ",
				ui.KV("Role", t.Role),
				ui.KV("Channel", t.Channel),
				ui.KV("Generation", strconv.FormatUint(t.Generation, 10)),
				ui.KV("Submitted", t.SubmittedAt.Local().Format("2006-01-02 15:04:05")),
				ui.KV("Config", configSummary(t.Config)),
			))

			if len(t.Relations) > 0 {
				var rows [][]string
				for _, rel := range t.Relations {
					kind := "optional"
					if rel.Mandatory {
						kind = "mandatory"
					}
					rows = append(rows, []string{rel.Name, kind, rel.OfferRef})
				}
				fmt.Println(ui.Table([]string{"RELATION", "KIND", "OFFER-REF"}, rows))
			}
			return nil
		},
	}
}

func planCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <role>",
		Short: "Preview the ops a pass would run, without applying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewClusterClient(conn).PlanRole(cmd.Context(), &rpc.PlanRoleRequest{Role: args[0]})
			if err != nil {
				return err
			}
			if len(resp.Plans) == 0 {
				fmt.Println(ui.InfoMsg("No machines hold role %s.", ui.Bold(args[0])))
				return nil
			}

			for _, plan := range resp.Plans {
				if plan.IsNoop() {
					fmt.Println(ui.SuccessMsg("%s: converged, nothing to do", ui.Bold(plan.MachineID)))
					continue
				}
				fmt.Println(ui.InfoMsg("%s (generation %d):", ui.Bold(plan.MachineID), plan.Generation))
				for i, op := range plan.Ops {
					fmt.Printf("  %s %s\n", ui.Muted(strconv.Itoa(i+1)+"."), op.Describe())
				}
			}
			return nil
		},
	}
}

func configSummary(cfg map[string]string) string {
	if len(cfg) == 0 {
		return ui.Muted("(none)")
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%d keys (%s)", len(cfg), strings.Join(keys, ", "))
}
