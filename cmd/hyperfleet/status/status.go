// Package statuscmd reports daemon health and fleet convergence.
package statuscmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"hyperfleet/cmd/hyperfleet/cmdutil"
	"hyperfleet/cmd/hyperfleet/ui"
	"hyperfleet/internal/rpc"
)

// Cmd returns the top-level "hyperfleet status" command.
func Cmd(hostFlag, contextFlag *string) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and fleet convergence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			health, err := rpc.NewLocalClient(conn).Health(cmd.Context(), &rpc.HealthRequest{})
			if err != nil {
				return err
			}
			fmt.Println(ui.KeyValues("  ",
				ui.KV("Daemon", health.Member.ID),
				ui.KV("Ready", ui.Bool(health.Ready)),
				ui.KV("Quorum", ui.Bool(health.HasQuorum)),
				ui.KV("Leader", ui.Bool(health.IsLeader)),
				ui.KV("Clock", clockSummary(health.Clock)),
			))

			resp, err := rpc.NewClusterClient(conn).ListStatus(cmd.Context(), &rpc.ListStatusRequest{Role: role})
			if err != nil {
				// Status listing needs quorum; health alone is still useful.
				fmt.Println(ui.WarnMsg("Fleet status unavailable: %v", err))
				return nil
			}
			if len(resp.Statuses) == 0 {
				fmt.Println(ui.InfoMsg("No machines enrolled."))
				return nil
			}

			var rows [][]string
			for _, st := range resp.Statuses {
				reason := st.Reason
				if reason == "" {
					reason = "-"
				}
				rows = append(rows, []string{
					st.MachineID,
					ui.State(st.State.String()),
					strconv.FormatUint(st.Generation, 10),
					reason,
				})
			}
			fmt.Println(ui.Table([]string{"MACHINE", "STATE", "GEN", "REASON"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Only machines holding this role")
	return cmd
}

// DiagnosticsCmd returns the top-level "hyperfleet diagnostics" command.
func DiagnosticsCmd(hostFlag, contextFlag *string) *cobra.Command {
	var journalLimit int

	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Show member heartbeats, clock health, and the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewLocalClient(conn).Diagnostics(cmd.Context(), &rpc.DiagnosticsRequest{
				JournalLimit: journalLimit,
			})
			if err != nil {
				return err
			}

			fmt.Println(ui.KeyValues("  ",
				ui.KV("Daemon", resp.Self.ID),
				ui.KV("Clock", clockSummary(resp.Clock)),
			))

			var rows [][]string
			for _, mh := range resp.Members {
				beat := ui.Muted("never")
				if !mh.Heartbeat.IsZero() {
					beat = mh.Heartbeat.Local().Format("15:04:05")
				}
				liveness := ui.Success("alive")
				if mh.Stale {
					liveness = ui.Warn("stale")
				}
				rows = append(rows, []string{mh.Member.ID, beat, liveness})
			}
			fmt.Println(ui.Table([]string{"MEMBER", "HEARTBEAT", "LIVENESS"}, rows))

			if len(resp.Journal) > 0 {
				var jrows [][]string
				for _, ev := range resp.Journal {
					jrows = append(jrows, []string{
						ev.At.Local().Format("15:04:05"),
						ev.Kind,
						ev.Machine,
						ev.Message,
					})
				}
				fmt.Println(ui.Table([]string{"TIME", "EVENT", "MACHINE", "DETAIL"}, jrows))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&journalLimit, "journal", 0, "Journal events to include (0 uses the server default)")
	return cmd
}

func clockSummary(c rpc.ClockHealth) string {
	if c.Error != "" {
		return ui.Warn(fmt.Sprintf("unchecked (%s)", c.Error))
	}
	offset := fmt.Sprintf("offset %.1fms", c.OffsetMs)
	if !c.Healthy {
		return ui.Warn("drifting, " + offset)
	}
	return ui.Success("healthy") + ui.Muted(" ("+offset+")")
}
