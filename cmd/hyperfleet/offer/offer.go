// Package offercmd manages the cluster offer directory.
package offercmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hyperfleet"
	"hyperfleet/cmd/hyperfleet/cmdutil"
	"hyperfleet/cmd/hyperfleet/ui"
	"hyperfleet/internal/rpc"
)

// Cmd returns the parent "hyperfleet offer" command.
func Cmd(hostFlag, contextFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Manage connectable service offers",
	}

	cmd.AddCommand(setCmd(hostFlag, contextFlag))
	cmd.AddCommand(listCmd(hostFlag, contextFlag))
	cmd.AddCommand(removeCmd(hostFlag, contextFlag))
	return cmd
}

func setCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <endpoint>",
		Short: "Register or update an offer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewClusterClient(conn).SetOffer(cmd.Context(), &rpc.SetOfferRequest{
				Offer: hyperfleet.Offer{Name: args[0], Endpoint: args[1]},
			})
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Offer %s -> %s registered.", ui.Bold(resp.Offer.Name), resp.Offer.Endpoint))
			return nil
		},
	}
}

func listCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewClusterClient(conn).ListOffers(cmd.Context(), &rpc.ListOffersRequest{})
			if err != nil {
				return err
			}
			if len(resp.Offers) == 0 {
				fmt.Println(ui.InfoMsg("No offers registered."))
				return nil
			}

			var rows [][]string
			for _, offer := range resp.Offers {
				rows = append(rows, []string{
					offer.Name,
					offer.Endpoint,
					offer.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Println(ui.Table([]string{"NAME", "ENDPOINT", "UPDATED"}, rows))
			return nil
		},
	}
}

func removeCmd(hostFlag, contextFlag *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "remove <name>",
		Short:   "Withdraw an offer",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if !yes {
				confirmed, err := ui.Confirm(
					fmt.Sprintf("Withdraw offer %s? Existing bindings keep working until the next resolution.", ui.Bold(name)),
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

			_, err = rpc.NewClusterClient(conn).DeleteOffer(cmd.Context(), &rpc.DeleteOfferRequest{Name: name})
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Offer %s removed.", ui.Bold(name)))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}
