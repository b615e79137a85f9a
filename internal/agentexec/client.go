// Package agentexec implements the pool's execute/kill collaborator against
// an external agent runner's HTTP API. The broker core stays agnostic to
// this transport; swap in any other pool.Executor.
package agentexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/flitsinc/agent-broker/internal/pool"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) ExecuteCommand(ctx context.Context, prompt string, opts pool.ExecOptions) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":            prompt,
		"session_id":        opts.SessionID,
		"working_directory": opts.WorkingDirectory,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("execute status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Output != "" {
		return parsed.Output, nil
	}
	// Runners that stream raw text are fine too.
	return string(data), nil
}

func (c *Client) KillSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("kill status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
