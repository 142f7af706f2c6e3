package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"promptrelay/pkg/types"
)

func newPromptCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Submit and inspect prompts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "submit <content>",
		Short: "Submit a plain prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(opts)
			submitted, err := c.submitPrompt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "prompt %d submitted\n", submitted.PromptID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a prompt by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid prompt id %q", args[0])
			}
			c := newClient(opts)
			prompt, err := c.getPrompt(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, prompt)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "wait <id>",
		Short: "Wait until a prompt is processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid prompt id %q", args[0])
			}
			c := newClient(opts)
			prompt, err := c.waitProcessed(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, prompt)
		},
	})

	return cmd
}

func newDeliverCmd(opts *options) *cobra.Command {
	var errText string

	cmd := &cobra.Command{
		Use:   "deliver <id> <content>",
		Short: "Deliver a response for a prompt",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid prompt id %q", args[0])
			}
			req := types.DeliverResponseRequest{Error: errText}
			if len(args) == 2 {
				req.Content = args[1]
			}

			c := newClient(opts)
			prompt, err := c.deliver(cmd.Context(), id, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, prompt)
		},
	}

	cmd.Flags().StringVar(&errText, "error", "", "deliver an error instead of content")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
