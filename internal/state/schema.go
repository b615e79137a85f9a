package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  stream TEXT NOT NULL,
  subject TEXT,
  body TEXT NOT NULL,
  payload TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_stream_created ON events(stream, created_at);

CREATE TABLE IF NOT EXISTS session_audit (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  external_session_id TEXT,
  status TEXT NOT NULL,
  detail TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_audit_session ON session_audit(session_id, created_at);

CREATE TABLE IF NOT EXISTS stage_durations (
  id TEXT PRIMARY KEY,
  repository TEXT NOT NULL,
  stage TEXT NOT NULL,
  duration_ms INTEGER NOT NULL,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_durations_repo_stage ON stage_durations(repository, stage, created_at);
`
