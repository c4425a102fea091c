package storage

// migrationV1 creates the initial schema. Timestamps are UTC unix
// milliseconds. JSON-array columns (command_path, flags_present,
// variants, target_commands) hold encoding/json output in TEXT.
const migrationV1 = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_meta (
  version INTEGER PRIMARY KEY,
  applied_at_ms INTEGER NOT NULL
);

-- Raw events: append-only source of truth. session_id and
-- workflow_run_id are back-pointers filled exactly once by inference.
CREATE TABLE IF NOT EXISTS raw_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id TEXT NOT NULL UNIQUE,
  ts_ms INTEGER NOT NULL,
  tool_name TEXT NOT NULL,
  tool_version TEXT,
  command_path TEXT NOT NULL,
  flags_present TEXT NOT NULL DEFAULT '[]',
  exit_code INTEGER,
  duration_ms INTEGER,
  error_type TEXT,
  actor_id_hash TEXT NOT NULL,
  machine_id_hash TEXT NOT NULL,
  session_hint TEXT,
  ci_detected INTEGER NOT NULL DEFAULT 0,
  ingested_at_ms INTEGER NOT NULL,
  session_id INTEGER,
  workflow_run_id INTEGER,
  experiment_id INTEGER,
  variant TEXT
);

CREATE INDEX IF NOT EXISTS idx_raw_events_ts ON raw_events(ts_ms);
CREATE INDEX IF NOT EXISTS idx_raw_events_actor_machine ON raw_events(actor_id_hash, machine_id_hash);
CREATE INDEX IF NOT EXISTS idx_raw_events_session ON raw_events(session_id);
CREATE INDEX IF NOT EXISTS idx_raw_events_ingested ON raw_events(ingested_at_ms);
CREATE INDEX IF NOT EXISTS idx_raw_events_tool ON raw_events(tool_name);
CREATE INDEX IF NOT EXISTS idx_raw_events_workflow ON raw_events(workflow_run_id);

-- Sessions created by inference.
CREATE TABLE IF NOT EXISTS sessions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tool_name TEXT NOT NULL,
  actor_id_hash TEXT NOT NULL,
  machine_id_hash TEXT NOT NULL,
  session_hint TEXT,
  ci_detected INTEGER NOT NULL DEFAULT 0,
  started_at_ms INTEGER NOT NULL,
  ended_at_ms INTEGER,
  event_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_actor_machine ON sessions(tool_name, actor_id_hash, machine_id_hash, started_at_ms DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(ended_at_ms);

-- Workflow runs inferred within sessions.
CREATE TABLE IF NOT EXISTS workflow_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id INTEGER NOT NULL REFERENCES sessions(id),
  tool_name TEXT NOT NULL,
  workflow_name TEXT NOT NULL,
  outcome TEXT NOT NULL,
  started_at_ms INTEGER NOT NULL,
  ended_at_ms INTEGER,
  duration_ms INTEGER,
  step_count INTEGER NOT NULL DEFAULT 0,
  command_fingerprint TEXT
);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_session ON workflow_runs(session_id);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_name ON workflow_runs(tool_name, workflow_name);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_outcome ON workflow_runs(outcome);

-- One step per event in a workflow; step_order is dense from 0.
CREATE TABLE IF NOT EXISTS workflow_steps (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  workflow_run_id INTEGER NOT NULL REFERENCES workflow_runs(id),
  event_id INTEGER NOT NULL REFERENCES raw_events(id),
  step_order INTEGER NOT NULL,
  command_fingerprint TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_steps_run ON workflow_steps(workflow_run_id, step_order);

-- Single-row inference cursor.
CREATE TABLE IF NOT EXISTS inference_cursor (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  last_event_id INTEGER NOT NULL DEFAULT 0,
  last_run_at_ms INTEGER
);

-- API credentials: only the SHA-256 of the token is stored, bound to
-- exactly one tool name (the tenant key).
CREATE TABLE IF NOT EXISTS api_keys (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  key_hash TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  tool_name TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1
);

-- A/B experiments, unique per (tool_name, name).
CREATE TABLE IF NOT EXISTS experiments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tool_name TEXT NOT NULL,
  name TEXT NOT NULL,
  description TEXT,
  variants TEXT NOT NULL,
  target_commands TEXT,
  traffic_pct INTEGER NOT NULL DEFAULT 100,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at_ms INTEGER NOT NULL,
  UNIQUE(tool_name, name)
);

-- Variant assignments are written once per (experiment, actor).
CREATE TABLE IF NOT EXISTS variant_assignments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  experiment_id INTEGER NOT NULL REFERENCES experiments(id),
  actor_id_hash TEXT NOT NULL,
  variant TEXT NOT NULL,
  assigned_at_ms INTEGER NOT NULL,
  UNIQUE(experiment_id, actor_id_hash)
);
`
