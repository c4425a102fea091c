package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// CountEvents returns the number of raw events for a tool.
func (s *SQLiteStore) CountEvents(ctx context.Context, toolName string) (int64, error) {
	return s.countRows(ctx, `SELECT COUNT(*) FROM raw_events WHERE tool_name = ?`, toolName)
}

// CountSessions returns the number of sessions for a tool.
func (s *SQLiteStore) CountSessions(ctx context.Context, toolName string) (int64, error) {
	return s.countRows(ctx, `SELECT COUNT(*) FROM sessions WHERE tool_name = ?`, toolName)
}

// CountWorkflows returns the number of workflow runs for a tool.
func (s *SQLiteStore) CountWorkflows(ctx context.Context, toolName string) (int64, error) {
	return s.countRows(ctx, `SELECT COUNT(*) FROM workflow_runs WHERE tool_name = ?`, toolName)
}

func (s *SQLiteStore) countRows(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// TopWorkflowStats groups workflow runs by name with per-outcome counts,
// ordered by total runs descending.
func (s *SQLiteStore) TopWorkflowStats(ctx context.Context, toolName string, limit int) ([]WorkflowNameStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_name,
		       COUNT(*) AS total,
		       SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END)
		FROM workflow_runs
		WHERE tool_name = ?
		GROUP BY workflow_name
		ORDER BY total DESC
		LIMIT ?
	`, OutcomeSuccess, OutcomeFailed, OutcomeAbandoned, toolName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow stats: %w", err)
	}
	defer rows.Close()

	var out []WorkflowNameStats
	for rows.Next() {
		var st WorkflowNameStats
		if err := rows.Scan(&st.WorkflowName, &st.TotalRuns, &st.SuccessCount, &st.FailedCount, &st.AbandonedCount); err != nil {
			return nil, fmt.Errorf("failed to scan workflow stats: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflow stats: %w", err)
	}
	return out, nil
}

// SuccessDurations returns the durations of successful runs of a
// workflow, excluding runs without a recorded duration.
func (s *SQLiteStore) SuccessDurations(ctx context.Context, toolName, workflowName string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT duration_ms FROM workflow_runs
		WHERE tool_name = ? AND workflow_name = ? AND outcome = ? AND duration_ms IS NOT NULL
	`, toolName, workflowName, OutcomeSuccess)
	if err != nil {
		return nil, fmt.Errorf("failed to query durations: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan duration: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate durations: %w", err)
	}
	return out, nil
}

// FailedWorkflowRuns returns all FAILED runs with a fingerprint for hot
// path analysis.
func (s *SQLiteStore) FailedWorkflowRuns(ctx context.Context, toolName string) ([]WorkflowRun, error) {
	return s.queryWorkflowRuns(ctx, `
		SELECT id, session_id, tool_name, workflow_name, outcome, started_at_ms,
		       ended_at_ms, duration_ms, step_count, command_fingerprint
		FROM workflow_runs
		WHERE tool_name = ? AND outcome = ? AND command_fingerprint IS NOT NULL
		ORDER BY id
	`, toolName, OutcomeFailed)
}

// WorkflowRunsByName returns all runs of a workflow, newest first.
func (s *SQLiteStore) WorkflowRunsByName(ctx context.Context, toolName, workflowName string) ([]WorkflowRun, error) {
	return s.queryWorkflowRuns(ctx, `
		SELECT id, session_id, tool_name, workflow_name, outcome, started_at_ms,
		       ended_at_ms, duration_ms, step_count, command_fingerprint
		FROM workflow_runs
		WHERE tool_name = ? AND workflow_name = ?
		ORDER BY started_at_ms DESC, id DESC
	`, toolName, workflowName)
}

func (s *SQLiteStore) queryWorkflowRuns(ctx context.Context, query string, args ...any) ([]WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow runs: %w", err)
	}
	defer rows.Close()

	var out []WorkflowRun
	for rows.Next() {
		var r WorkflowRun
		var ended, duration sql.NullInt64
		var fingerprint sql.NullString
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.ToolName, &r.WorkflowName, &r.Outcome,
			&r.StartedAtMs, &ended, &duration, &r.StepCount, &fingerprint,
		); err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		if ended.Valid {
			r.EndedAtMs = &ended.Int64
		}
		if duration.Valid {
			r.DurationMs = &duration.Int64
		}
		if fingerprint.Valid {
			r.CommandFingerprint = fingerprint.String
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflow runs: %w", err)
	}
	return out, nil
}

// SequenceEvents loads all workflow-tagged events for a tool ordered by
// (workflow_run_id, timestamp), the scan order the recommender needs to
// derive command transitions.
func (s *SQLiteStore) SequenceEvents(ctx context.Context, toolName string) ([]SequenceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_run_id, command_path, exit_code
		FROM raw_events
		WHERE tool_name = ? AND workflow_run_id IS NOT NULL
		ORDER BY workflow_run_id, ts_ms, id
	`, toolName)
	if err != nil {
		return nil, fmt.Errorf("failed to query sequence events: %w", err)
	}
	defer rows.Close()

	var out []SequenceEvent
	for rows.Next() {
		var e SequenceEvent
		var pathJSON string
		var exitCode sql.NullInt64
		if err := rows.Scan(&e.WorkflowRunID, &pathJSON, &exitCode); err != nil {
			return nil, fmt.Errorf("failed to scan sequence event: %w", err)
		}
		if e.CommandPath, err = unmarshalStrings(pathJSON); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			e.ExitCode = &v
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sequence events: %w", err)
	}
	return out, nil
}
