package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"promptrelay/pkg/types"
)

type client struct {
	base string
	opts *options
	hc   *http.Client
}

func newClient(opts *options) *client {
	return &client{
		base: opts.server,
		opts: opts,
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.ownerKey != "" {
		req.Header.Set("X-Owner-Key", c.opts.ownerKey)
	}
	if c.opts.responderKey != "" {
		req.Header.Set("X-Responder-Key", c.opts.responderKey)
	}
	if c.opts.user != "" {
		req.Header.Set("X-User", c.opts.user)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr types.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) submitPrompt(ctx context.Context, content string) (*types.SubmittedPromptResponse, error) {
	var out types.SubmittedPromptResponse
	err := c.do(ctx, http.MethodPost, "/v1/prompts", types.SubmitPromptRequest{Content: content}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) getPrompt(ctx context.Context, id int64) (*types.Prompt, error) {
	var out types.Prompt
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/prompts/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) deliver(ctx context.Context, id int64, req types.DeliverResponseRequest) (*types.Prompt, error) {
	var out types.Prompt
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/prompts/%d/response", id), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// waitProcessed polls until the prompt is processed or the budget runs out.
func (c *client) waitProcessed(ctx context.Context, id int64) (*types.Prompt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		prompt, err := c.getPrompt(ctx, id)
		if err != nil {
			return nil, err
		}
		if prompt.Processed {
			return prompt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("prompt %d not processed within %s", id, c.opts.timeout)
		case <-ticker.C:
		}
	}
}
