package main

import (
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	server       string
	ownerKey     string
	responderKey string
	user         string
	timeout      time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Operator CLI for the promptrelay server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "server base URL")
	cmd.PersistentFlags().StringVar(&opts.ownerKey, "owner-key", "", "owner key for whitelist and attestation commands")
	cmd.PersistentFlags().StringVar(&opts.responderKey, "responder-key", "", "responder key for deliveries")
	cmd.PersistentFlags().StringVar(&opts.user, "user", "relayctl", "identity for requester commands")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 300*time.Second, "budget for wait operations")

	cmd.AddCommand(newWhitelistCmd(opts))
	cmd.AddCommand(newPromptCmd(opts))
	cmd.AddCommand(newDeliverCmd(opts))
	cmd.AddCommand(newE2ECmd(opts))

	return cmd
}
