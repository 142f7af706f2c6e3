package main

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"promptrelay/pkg/types"
)

// newE2ECmd exercises a running server end to end: authorize a responder,
// fan out prompt submissions, deliver a response for each one and verify the
// second delivery is rejected.
func newE2ECmd(opts *options) *cobra.Command {
	var (
		count   int
		workers int
	)

	cmd := &cobra.Command{
		Use:   "e2e",
		Short: "Run an end-to-end smoke test against a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.responderKey == "" {
				return fmt.Errorf("--responder-key is required")
			}
			if opts.ownerKey == "" {
				return fmt.Errorf("--owner-key is required")
			}

			c := newClient(opts)
			ctx := cmd.Context()

			var entry types.WhitelistEntry
			if err := c.do(ctx, "POST", "/v1/whitelist",
				types.WhitelistRequest{Principal: opts.responderKey}, &entry); err != nil {
				return fmt.Errorf("whitelist responder: %w", err)
			}

			var passed, failed atomic.Int64
			g, ctx := errgroup.WithContext(ctx)
			sem := make(chan struct{}, workers)

			for i := 0; i < count; i++ {
				i := i
				g.Go(func() error {
					sem <- struct{}{}
					defer func() { <-sem }()

					if err := runFlow(ctx, c, i); err != nil {
						failed.Add(1)
						fmt.Fprintf(cmd.ErrOrStderr(), "FAIL flow %d: %v\n", i, err)
						return nil
					}
					passed.Add(1)
					return nil
				})
			}

			if err := g.Wait(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "e2e: %d passed, %d failed\n", passed.Load(), failed.Load())
			if failed.Load() > 0 {
				return fmt.Errorf("%d flows failed", failed.Load())
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 10, "number of prompt flows to run")
	cmd.Flags().IntVar(&workers, "workers", 5, "concurrent flows")
	return cmd
}

func runFlow(ctx context.Context, c *client, i int) error {
	submitted, err := c.submitPrompt(ctx, fmt.Sprintf("smoke test prompt %d", i))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	content := fmt.Sprintf("smoke response %d", i)
	prompt, err := c.deliver(ctx, submitted.PromptID, types.DeliverResponseRequest{Content: content})
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	if !prompt.Processed || prompt.Response == nil || prompt.Response.Content != content {
		return fmt.Errorf("prompt %d not processed as expected", submitted.PromptID)
	}

	// Second delivery for the same prompt must be rejected.
	_, err = c.deliver(ctx, submitted.PromptID, types.DeliverResponseRequest{Content: "duplicate"})
	if err == nil {
		return fmt.Errorf("duplicate delivery for prompt %d was accepted", submitted.PromptID)
	}
	if !strings.Contains(err.Error(), "409") && !strings.Contains(err.Error(), "already processed") {
		return fmt.Errorf("unexpected duplicate delivery error: %w", err)
	}

	final, err := c.waitProcessed(ctx, submitted.PromptID)
	if err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	if final.Response.Content != content {
		return fmt.Errorf("prompt %d response changed after duplicate delivery", submitted.PromptID)
	}
	return nil
}
