package agentexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/agent-broker/internal/pool"
)

func TestExecuteCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/execute", r.URL.Path)
		var input map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		assert.Equal(t, "hello", input["prompt"])
		assert.Equal(t, "sess-1", input["session_id"])
		_ = json.NewEncoder(w).Encode(map[string]any{"output": `{"session_id":"ext-1"}`})
	}))
	defer ts.Close()

	client := &Client{BaseURL: ts.URL}
	output, err := client.ExecuteCommand(context.Background(), "hello", pool.ExecOptions{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, `{"session_id":"ext-1"}`, output)
}

func TestExecuteCommandRawTextResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("READY"))
	}))
	defer ts.Close()

	client := &Client{BaseURL: ts.URL}
	output, err := client.ExecuteCommand(context.Background(), "hello", pool.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "READY", output)
}

func TestExecuteCommandErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "runner busy", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := &Client{BaseURL: ts.URL}
	_, err := client.ExecuteCommand(context.Background(), "hello", pool.ExecOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runner busy")
}

func TestKillSession(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := &Client{BaseURL: ts.URL}
	require.NoError(t, client.KillSession(context.Background(), "sess-9"))
	assert.Equal(t, "/sessions/sess-9", gotPath)
}
