package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tx wraps a database transaction with the write-path operations used
// by ingestion batches and inference runs. All reads through a Tx see
// the transaction's snapshot.
type Tx struct {
	tx *sql.Tx
}

// BeginTx starts a transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// InsertRawEvent inserts a raw event and sets its surrogate ID.
func (t *Tx) InsertRawEvent(ctx context.Context, e *RawEvent) error {
	if e == nil {
		return errors.New("event cannot be nil")
	}

	pathJSON, err := marshalStrings(e.CommandPath)
	if err != nil {
		return err
	}
	flagsJSON, err := marshalStrings(e.FlagsPresent)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO raw_events (
			event_id, ts_ms, tool_name, tool_version, command_path,
			flags_present, exit_code, duration_ms, error_type,
			actor_id_hash, machine_id_hash, session_hint, ci_detected,
			ingested_at_ms, experiment_id, variant
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.EventID,
		e.TimestampMs,
		e.ToolName,
		nullableString(e.ToolVersion),
		pathJSON,
		flagsJSON,
		nullableInt(e.ExitCode),
		nullableInt64(e.DurationMs),
		nullableString(e.ErrorType),
		e.ActorIDHash,
		e.MachineIDHash,
		nullableString(e.SessionHint),
		e.CIDetected,
		e.IngestedAtMs,
		nullableInt64(e.ExperimentID),
		nullableString(e.Variant),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("event %s: %w", e.EventID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}

	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	return nil
}

// Cursor reads the inference cursor, creating the row on first use.
func (t *Tx) Cursor(ctx context.Context) (Cursor, error) {
	var c Cursor
	var lastRun sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT last_event_id, last_run_at_ms FROM inference_cursor WHERE id = 1
	`).Scan(&c.LastEventID, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO inference_cursor (id, last_event_id) VALUES (1, 0)
		`); err != nil {
			return Cursor{}, fmt.Errorf("failed to create cursor: %w", err)
		}
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to read cursor: %w", err)
	}
	if lastRun.Valid {
		c.LastRunAtMs = &lastRun.Int64
	}
	return c, nil
}

// AdvanceCursor moves the cursor forward and records the run time.
func (t *Tx) AdvanceCursor(ctx context.Context, lastEventID, runAtMs int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE inference_cursor SET last_event_id = ?, last_run_at_ms = ? WHERE id = 1
	`, lastEventID, runAtMs)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

// UnprocessedEvents fetches events past the cursor that have not been
// sessionized, ordered by id.
func (t *Tx) UnprocessedEvents(ctx context.Context, afterID int64, limit int) ([]RawEvent, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, event_id, ts_ms, tool_name, command_path, flags_present,
		       exit_code, duration_ms, actor_id_hash, machine_id_hash,
		       session_hint, ci_detected
		FROM raw_events
		WHERE id > ? AND session_id IS NULL
		ORDER BY id
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed events: %w", err)
	}
	defer rows.Close()

	var events []RawEvent
	for rows.Next() {
		var e RawEvent
		var pathJSON, flagsJSON string
		var exitCode, durationMs sql.NullInt64
		var hint sql.NullString
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.TimestampMs, &e.ToolName,
			&pathJSON, &flagsJSON, &exitCode, &durationMs,
			&e.ActorIDHash, &e.MachineIDHash, &hint, &e.CIDetected,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.CommandPath, err = unmarshalStrings(pathJSON); err != nil {
			return nil, err
		}
		if e.FlagsPresent, err = unmarshalStrings(flagsJSON); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			e.ExitCode = &v
		}
		if durationMs.Valid {
			e.DurationMs = &durationMs.Int64
		}
		if hint.Valid {
			e.SessionHint = &hint.String
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// LatestOpenSession returns the most recent session with no end time
// for a (tool, actor, machine) partition, or ErrNotFound.
func (t *Tx) LatestOpenSession(ctx context.Context, toolName, actorIDHash, machineIDHash string) (*Session, error) {
	var s Session
	var hint sql.NullString
	var ended sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, tool_name, actor_id_hash, machine_id_hash, session_hint,
		       ci_detected, started_at_ms, ended_at_ms, event_count
		FROM sessions
		WHERE tool_name = ? AND actor_id_hash = ? AND machine_id_hash = ?
		  AND ended_at_ms IS NULL
		ORDER BY started_at_ms DESC
		LIMIT 1
	`, toolName, actorIDHash, machineIDHash).Scan(
		&s.ID, &s.ToolName, &s.ActorIDHash, &s.MachineIDHash,
		&hint, &s.CIDetected, &s.StartedAtMs, &ended, &s.EventCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open session: %w", err)
	}
	if hint.Valid {
		s.SessionHint = &hint.String
	}
	if ended.Valid {
		s.EndedAtMs = &ended.Int64
	}
	return &s, nil
}

// LastEventTime returns the max event timestamp attached to a session.
// The second return value is false when the session has no events.
func (t *Tx) LastEventTime(ctx context.Context, sessionID int64) (int64, bool, error) {
	var ts sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT MAX(ts_ms) FROM raw_events WHERE session_id = ?
	`, sessionID).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("failed to query last event time: %w", err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// CreateSession inserts a session and sets its surrogate ID.
func (t *Tx) CreateSession(ctx context.Context, s *Session) error {
	if s == nil {
		return errors.New("session cannot be nil")
	}
	if s.ToolName == "" {
		return errors.New("tool_name is required")
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sessions (
			tool_name, actor_id_hash, machine_id_hash, session_hint,
			ci_detected, started_at_ms, ended_at_ms, event_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ToolName, s.ActorIDHash, s.MachineIDHash,
		nullableString(s.SessionHint), s.CIDetected,
		s.StartedAtMs, nullableInt64(s.EndedAtMs), s.EventCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	s.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get session id: %w", err)
	}
	return nil
}

// CloseSession sets a session's end time.
func (t *Tx) CloseSession(ctx context.Context, sessionID, endedAtMs int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sessions SET ended_at_ms = ? WHERE id = ?
	`, endedAtMs, sessionID)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddSessionEventCount increments a session's event count.
func (t *Tx) AddSessionEventCount(ctx context.Context, sessionID int64, delta int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sessions SET event_count = event_count + ? WHERE id = ?
	`, delta, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session event count: %w", err)
	}
	return nil
}

// AssignEventSession fills an event's session back-pointer.
func (t *Tx) AssignEventSession(ctx context.Context, eventID, sessionID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE raw_events SET session_id = ? WHERE id = ?
	`, sessionID, eventID)
	if err != nil {
		return fmt.Errorf("failed to assign event session: %w", err)
	}
	return nil
}

// AssignEventWorkflow fills an event's workflow back-pointer.
func (t *Tx) AssignEventWorkflow(ctx context.Context, eventID, workflowRunID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE raw_events SET workflow_run_id = ? WHERE id = ?
	`, workflowRunID, eventID)
	if err != nil {
		return fmt.Errorf("failed to assign event workflow: %w", err)
	}
	return nil
}

// CreateWorkflowRun inserts a workflow run and sets its surrogate ID.
func (t *Tx) CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	if run == nil {
		return errors.New("workflow run cannot be nil")
	}
	if run.WorkflowName == "" {
		return errors.New("workflow_name is required")
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (
			session_id, tool_name, workflow_name, outcome, started_at_ms,
			ended_at_ms, duration_ms, step_count, command_fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.SessionID, run.ToolName, run.WorkflowName, run.Outcome,
		run.StartedAtMs, nullableInt64(run.EndedAtMs),
		nullableInt64(run.DurationMs), run.StepCount, run.CommandFingerprint,
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow run: %w", err)
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get workflow run id: %w", err)
	}
	return nil
}

// CreateWorkflowStep inserts a workflow step.
func (t *Tx) CreateWorkflowStep(ctx context.Context, step *WorkflowStep) error {
	if step == nil {
		return errors.New("workflow step cannot be nil")
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (
			workflow_run_id, event_id, step_order, command_fingerprint
		) VALUES (?, ?, ?, ?)
	`, step.WorkflowRunID, step.EventID, step.StepOrder, step.CommandFingerprint)
	if err != nil {
		return fmt.Errorf("failed to create workflow step: %w", err)
	}
	step.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get workflow step id: %w", err)
	}
	return nil
}
