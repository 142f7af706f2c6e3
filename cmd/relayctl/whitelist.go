package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"promptrelay/pkg/types"
)

func newWhitelistCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage the responder whitelist",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <principal>",
		Short: "Authorize a responder principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(opts)
			var entry types.WhitelistEntry
			err := c.do(cmd.Context(), http.MethodPost, "/v1/whitelist",
				types.WhitelistRequest{Principal: args[0]}, &entry)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "authorized %s\n", entry.Principal)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <principal>",
		Short: "Revoke a responder principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(opts)
			err := c.do(cmd.Context(), http.MethodDelete, "/v1/whitelist/"+args[0], nil, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List authorized responder principals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(opts)
			var entries []types.WhitelistEntry
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/whitelist", nil, &entries); err != nil {
				return err
			}
			for _, entry := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), entry.Principal)
			}
			return nil
		},
	})

	return cmd
}
