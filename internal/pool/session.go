package pool

import (
	"context"
	"time"
)

type Status string

const (
	StatusWarming Status = "warming"
	StatusReady   Status = "ready"
	StatusClaimed Status = "claimed"
)

// Session is one pre-warmed entry in the pool. ExternalID is the id the
// execution collaborator assigned, when the warm-up response carried one.
type Session struct {
	ID         string    `json:"session_id"`
	ExternalID string    `json:"external_session_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Status     Status    `json:"status"`
}

type ExecOptions struct {
	SessionID        string
	WorkingDirectory string
}

// Executor is the injected execute/kill capability. The pool is agnostic to
// how commands actually reach the external agent.
type Executor interface {
	ExecuteCommand(ctx context.Context, prompt string, opts ExecOptions) (string, error)
	KillSession(ctx context.Context, sessionID string) error
}

// StatusReport is the deterministic single-pass pool status: the first
// ready session if any, else the first warming one, else none.
type StatusReport struct {
	Available bool   `json:"available"`
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

type SessionMetric struct {
	ID     string        `json:"session_id"`
	Status Status        `json:"status"`
	Age    time.Duration `json:"age_ms"`
}

type Metrics struct {
	Ready    int             `json:"ready"`
	Warming  int             `json:"warming"`
	Claimed  int             `json:"claimed"`
	Total    int             `json:"total"`
	Sessions []SessionMetric `json:"sessions"`
}

// Claimed is what a successful claim hands back to the caller.
type Claimed struct {
	SessionID  string `json:"session_id"`
	ExternalID string `json:"external_session_id,omitempty"`
}
