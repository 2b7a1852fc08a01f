// Package tokencmd manages single-use join tokens.
package tokencmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hyperfleet/cmd/hyperfleet/cmdutil"
	"hyperfleet/cmd/hyperfleet/ui"
	"hyperfleet/internal/rpc"
)

// Cmd returns the parent "hyperfleet token" command.
func Cmd(hostFlag, contextFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage join tokens",
	}

	cmd.AddCommand(generateCmd(hostFlag, contextFlag))
	cmd.AddCommand(listCmd(hostFlag, contextFlag))
	cmd.AddCommand(deleteCmd(hostFlag, contextFlag))
	return cmd
}

func generateCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "generate <machine-name>",
		Short: "Generate a single-use token for a joining machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewClusterClient(conn).GenerateToken(cmd.Context(), &rpc.GenerateTokenRequest{Name: args[0]})
			if err != nil {
				return err
			}

			// The secret is shown exactly once; the server never returns it
			// again.
			fmt.Println(ui.SuccessMsg("Token for %s generated.", ui.Bold(resp.Token.Name)))
			fmt.Println(resp.Token.Secret)
			return nil
		},
	}
}

func listCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List unredeemed tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := rpc.NewClusterClient(conn).ListTokens(cmd.Context(), &rpc.ListTokensRequest{})
			if err != nil {
				return err
			}
			if len(resp.Tokens) == 0 {
				fmt.Println(ui.InfoMsg("No outstanding tokens."))
				return nil
			}

			var rows [][]string
			for _, tok := range resp.Tokens {
				rows = append(rows, []string{
					tok.Name,
					tok.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Println(ui.Table([]string{"MACHINE", "CREATED"}, rows))
			return nil
		},
	}
}

func deleteCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <machine-name>",
		Short:   "Revoke an unredeemed token",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer conn.Close()

			_, err = rpc.NewClusterClient(conn).DeleteToken(cmd.Context(), &rpc.DeleteTokenRequest{Name: args[0]})
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Token for %s revoked.", ui.Bold(args[0])))
			return nil
		},
	}
}
