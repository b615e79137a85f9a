package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/agent-broker/internal/contextopt"
	"github.com/flitsinc/agent-broker/internal/eventbus"
	"github.com/flitsinc/agent-broker/internal/pool"
	"github.com/flitsinc/agent-broker/internal/progress"
	"github.com/flitsinc/agent-broker/internal/testutil"
)

func newTestServer(t *testing.T, exec pool.Executor) (*httptest.Server, *Server) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	bus := eventbus.NewBus(db)

	srv := &Server{
		Pool: pool.NewManager(exec, bus, pool.Config{
			PoolSize:      1,
			WarmupTimeout: 2 * time.Second,
			ClaimGrace:    20 * time.Millisecond,
		}),
		Tracker:   progress.NewTracker(bus),
		Optimizer: contextopt.NewOptimizer(contextopt.WithDefaultMaxTokens(50)),
		Bus:       bus,
		StartedAt: time.Now().UTC(),
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv
}

func getJSON(t *testing.T, url string, dest any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dest != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, dest any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if dest != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	exec := testutil.NewFakeExecutor("")
	ts, _ := newTestServer(t, exec)

	var health struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Uptime)
}

func TestPoolEndpoints(t *testing.T) {
	exec := testutil.NewFakeExecutor(`{"session_id":"ext-1"}`)
	ts, srv := newTestServer(t, exec)

	var status pool.StatusReport
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/pool/status", &status))
	assert.Equal(t, "none", status.Status)

	// Claiming an empty pool conflicts.
	require.Equal(t, http.StatusConflict, postJSON(t, ts.URL+"/api/pool/claim", map[string]any{}, nil))

	require.NoError(t, srv.Pool.CreatePreWarmedSession(context.Background()))

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/pool/status", &status))
	assert.True(t, status.Available)

	var claimed pool.Claimed
	require.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/api/pool/claim", map[string]any{}, &claimed))
	assert.Equal(t, status.SessionID, claimed.SessionID)

	var metrics pool.Metrics
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/pool/metrics", &metrics))
	assert.Equal(t, metrics.Total, metrics.Ready+metrics.Warming+metrics.Claimed)
}

func TestBatchAndRunEndpoints(t *testing.T) {
	exec := testutil.NewFakeExecutor("")
	ts, _ := newTestServer(t, exec)

	var created struct {
		BatchID string `json:"batchId"`
	}
	require.Equal(t, http.StatusCreated,
		postJSON(t, ts.URL+"/api/batches", map[string]any{"totalOperations": 1}, &created))
	require.NotEmpty(t, created.BatchID)

	require.Equal(t, http.StatusCreated,
		postJSON(t, ts.URL+"/api/batches/"+created.BatchID+"/runs",
			map[string]any{"runId": "run-1", "repository": "org/repo"}, nil))

	require.Equal(t, http.StatusNotFound,
		postJSON(t, ts.URL+"/api/batches/batch-nope/runs",
			map[string]any{"runId": "run-x", "repository": "org/repo"}, nil))

	// A run registered without an id gets one minted server-side.
	var minted struct {
		RunID string `json:"runId"`
	}
	require.Equal(t, http.StatusCreated,
		postJSON(t, ts.URL+"/api/batches/"+created.BatchID+"/runs",
			map[string]any{"repository": "org/repo"}, &minted))
	assert.True(t, strings.HasPrefix(minted.RunID, "run-"), "minted id %q", minted.RunID)

	require.Equal(t, http.StatusOK,
		postJSON(t, ts.URL+"/api/runs/run-1/progress",
			map[string]any{"stage": "PROCESSING", "currentOperation": "patching"}, nil))

	var batch progress.Batch
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/batches/"+created.BatchID, &batch))
	require.Contains(t, batch.Runs, "run-1")
	require.Contains(t, batch.Runs, minted.RunID)
	assert.Equal(t, progress.StageProcessing, batch.Runs["run-1"].Stage)
	assert.Equal(t, 50, batch.Runs["run-1"].Percentage)

	var eta struct {
		ETA *int64 `json:"estimatedTimeRemaining"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/runs/run-1/eta", &eta))
	assert.Nil(t, eta.ETA, "no history yet")

	require.Equal(t, http.StatusOK,
		postJSON(t, ts.URL+"/api/runs/run-1/fail", map[string]any{"error": "boom"}, nil))
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/batches/"+created.BatchID, &batch))
	assert.Equal(t, progress.StageFailed, batch.Runs["run-1"].Stage)
}

func TestOptimizeEndpoint(t *testing.T) {
	exec := testutil.NewFakeExecutor("")
	ts, _ := newTestServer(t, exec)

	messages := []map[string]any{}
	for i := 0; i < 10; i++ {
		messages = append(messages, map[string]any{
			"id":        string(rune('a' + i)),
			"role":      "user",
			"content":   "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx",
			"timestamp": time.Date(2025, 6, 1, 12, i, 0, 0, time.UTC),
		})
	}

	var window contextopt.Window
	require.Equal(t, http.StatusOK,
		postJSON(t, ts.URL+"/api/context/optimize",
			map[string]any{"sessionId": "sess-1", "maxTokens": 50, "messages": messages}, &window))

	assert.Len(t, window.Messages, 5)
	assert.LessOrEqual(t, window.CurrentTokens, 50)

	// Omitting maxTokens falls back to the server's configured budget.
	require.Equal(t, http.StatusOK,
		postJSON(t, ts.URL+"/api/context/optimize",
			map[string]any{"sessionId": "sess-2", "messages": messages}, &window))
	assert.Equal(t, 50, window.MaxTokens)
	assert.Len(t, window.Messages, 5)
}

func TestEventsEndpoint(t *testing.T) {
	exec := testutil.NewFakeExecutor("")
	ts, srv := newTestServer(t, exec)

	srv.Tracker.UpdateRunProgress(context.Background(), "run-1", progress.StageQueued, "")
	srv.Tracker.UpdateRunProgress(context.Background(), "run-1", progress.StageProcessing, "")

	var events []eventbus.Event
	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/api/events?stream=run_progress&order=fifo", &events))
	require.Len(t, events, 2)
	assert.Equal(t, "QUEUED", events[0].Body)
	assert.Equal(t, "PROCESSING", events[1].Body)
}
