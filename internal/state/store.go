package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flitsinc/agent-broker/internal/idgen"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SessionAuditEntry is one recorded pool session status transition.
type SessionAuditEntry struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	ExternalSessionID string    `json:"external_session_id,omitempty"`
	Status            string    `json:"status"`
	Detail            string    `json:"detail,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// StageSample is one persisted wall-clock stage duration for a repository.
type StageSample struct {
	Repository string        `json:"repository"`
	Stage      string        `json:"stage"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}

func (s *Store) RecordSessionTransition(ctx context.Context, sessionID, externalID, status, detail string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO session_audit (id, session_id, external_session_id, status, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		idgen.New(), sessionID, nullString(externalID), status, nullString(detail), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert session audit: %w", err)
	}
	return nil
}

func (s *Store) ListSessionAudit(ctx context.Context, sessionID string, limit int) ([]SessionAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, external_session_id, status, detail, created_at FROM session_audit WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session audit: %w", err)
	}
	defer rows.Close()

	var out []SessionAuditEntry
	for rows.Next() {
		var entry SessionAuditEntry
		var externalID, detail sql.NullString
		var createdAtStr string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &externalID, &entry.Status, &detail, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan session audit: %w", err)
		}
		entry.ExternalSessionID = externalID.String
		entry.Detail = detail.String
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session audit: %w", err)
	}
	return out, nil
}

// AppendStageSample persists one stage duration sample and prunes the
// history for that (repository, stage) down to keep rows, oldest first.
func (s *Store) AppendStageSample(ctx context.Context, repository, stage string, d time.Duration, keep int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO stage_durations (id, repository, stage, duration_ms, created_at) VALUES (?, ?, ?, ?, ?)`,
		idgen.New(), repository, stage, d.Milliseconds(), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert stage sample: %w", err)
	}
	if keep <= 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM stage_durations WHERE repository = ? AND stage = ? AND id NOT IN (
		SELECT id FROM stage_durations WHERE repository = ? AND stage = ? ORDER BY created_at DESC LIMIT ?)`,
		repository, stage, repository, stage, keep)
	if err != nil {
		return fmt.Errorf("prune stage samples: %w", err)
	}
	return nil
}

// RecentStageSamples returns up to limit samples per (repository, stage)
// across the whole table, oldest first within each key.
func (s *Store) RecentStageSamples(ctx context.Context, limit int) ([]StageSample, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT repository, stage, duration_ms, created_at FROM stage_durations ORDER BY repository, stage, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list stage samples: %w", err)
	}
	defer rows.Close()

	byKey := map[string][]StageSample{}
	var keys []string
	for rows.Next() {
		var sample StageSample
		var durationMS int64
		var createdAtStr string
		if err := rows.Scan(&sample.Repository, &sample.Stage, &durationMS, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan stage sample: %w", err)
		}
		sample.Duration = time.Duration(durationMS) * time.Millisecond
		sample.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		key := sample.Repository + "\x00" + sample.Stage
		if _, ok := byKey[key]; !ok {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage samples: %w", err)
	}

	var out []StageSample
	for _, key := range keys {
		samples := byKey[key]
		if len(samples) > limit {
			samples = samples[len(samples)-limit:]
		}
		out = append(out, samples...)
	}
	return out, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
