package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/flitsinc/agent-broker/internal/pool"
)

// FakeExecutor is a scripted execute/kill collaborator for pool tests.
// Delay simulates warm-up latency and respects context cancellation.
type FakeExecutor struct {
	Response string
	Err      error
	Delay    time.Duration

	mu       sync.Mutex
	execs    []string
	killed   []string
	execSeen chan struct{}
}

func NewFakeExecutor(response string) *FakeExecutor {
	return &FakeExecutor{Response: response, execSeen: make(chan struct{}, 16)}
}

func (f *FakeExecutor) ExecuteCommand(ctx context.Context, prompt string, opts pool.ExecOptions) (string, error) {
	f.mu.Lock()
	f.execs = append(f.execs, opts.SessionID)
	f.mu.Unlock()
	select {
	case f.execSeen <- struct{}{}:
	default:
	}

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.Err != nil {
		return "", f.Err
	}
	return f.Response, nil
}

func (f *FakeExecutor) KillSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.killed = append(f.killed, sessionID)
	f.mu.Unlock()
	return nil
}

func (f *FakeExecutor) ExecCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

func (f *FakeExecutor) Killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

// WaitForExec blocks until the next ExecuteCommand call starts or the
// timeout elapses.
func (f *FakeExecutor) WaitForExec(timeout time.Duration) bool {
	select {
	case <-f.execSeen:
		return true
	case <-time.After(timeout):
		return false
	}
}
