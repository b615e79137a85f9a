package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/agent-broker/internal/contextopt"
	"github.com/flitsinc/agent-broker/internal/eventbus"
	"github.com/flitsinc/agent-broker/internal/idgen"
	"github.com/flitsinc/agent-broker/internal/pool"
	"github.com/flitsinc/agent-broker/internal/progress"
)

type Server struct {
	Pool      *pool.Manager
	Tracker   *progress.Tracker
	Optimizer *contextopt.Optimizer
	Bus       *eventbus.Bus
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/pool/status", s.handlePoolStatus)
	mux.HandleFunc("/api/pool/claim", s.handlePoolClaim)
	mux.HandleFunc("/api/pool/metrics", s.handlePoolMetrics)
	mux.HandleFunc("/api/batches", s.handleBatches)
	mux.HandleFunc("/api/batches/", s.handleBatchItem)
	mux.HandleFunc("/api/runs/", s.handleRunItem)
	mux.HandleFunc("/api/context/optimize", s.handleOptimize)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   now,
		"uptime": now.Sub(s.StartedAt).String(),
	})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Pool.Status())
}

func (s *Server) handlePoolClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	claimed, err := s.Pool.Claim(r.Context())
	if err != nil {
		if errors.Is(err, pool.ErrNoSessionAvailable) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, claimed)
}

func (s *Server) handlePoolMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Pool.Metrics())
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var input struct {
		TotalOperations int `json:"totalOperations"`
	}
	if err := decodeJSON(r.Body, &input); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	batchID := s.Tracker.CreateBatch(input.TotalOperations)
	writeJSON(w, http.StatusCreated, map[string]any{"batchId": batchID})
}

func (s *Server) handleBatchItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/batches/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("batch"))
		return
	}
	batchID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		batch := s.Tracker.Snapshot(batchID)
		if batch == nil {
			writeError(w, http.StatusNotFound, errNotFound("batch"))
			return
		}
		writeJSON(w, http.StatusOK, batch)
		return
	}

	if segments[1] != "runs" {
		writeError(w, http.StatusNotFound, errNotFound("batch action"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var input struct {
		RunID      string `json:"runId"`
		Repository string `json:"repository"`
	}
	if err := decodeJSON(r.Body, &input); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if input.RunID == "" {
		input.RunID = idgen.RunID()
	}
	if err := s.Tracker.AddRunToBatch(batchID, input.RunID, input.Repository); err != nil {
		var notFound *progress.BatchNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"runId": input.RunID})
}

func (s *Server) handleRunItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("run action"))
		return
	}
	runID := segments[0]

	switch segments[1] {
	case "progress":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var input struct {
			Stage            string `json:"stage"`
			CurrentOperation string `json:"currentOperation"`
		}
		if err := decodeJSON(r.Body, &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.Tracker.UpdateRunProgress(r.Context(), runID, progress.Stage(input.Stage), input.CurrentOperation)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "fail":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var input struct {
			Error string `json:"error"`
		}
		if err := decodeJSON(r.Body, &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.Tracker.MarkRunFailed(r.Context(), runID, input.Error)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "eta":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		eta, known := s.Tracker.EstimateTimeRemaining(runID)
		if !known {
			writeJSON(w, http.StatusOK, map[string]any{"estimatedTimeRemaining": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"estimatedTimeRemaining": eta.Milliseconds()})
	default:
		writeError(w, http.StatusNotFound, errNotFound("run action"))
	}
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var input struct {
		SessionID string               `json:"sessionId"`
		MaxTokens int                  `json:"maxTokens"`
		Messages  []contextopt.Message `json:"messages"`
	}
	if err := decodeJSON(r.Body, &input); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	window := s.Optimizer.Optimize(input.SessionID, input.Messages, input.MaxTokens)
	writeJSON(w, http.StatusOK, window)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stream := r.URL.Query().Get("stream")
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	order := r.URL.Query().Get("order")
	items, err := s.Bus.List(r.Context(), stream, eventbus.ListOptions{Limit: limit, Order: order})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
