package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateExperiment inserts an experiment. Returns ErrDuplicate when the
// (tool_name, name) pair already exists.
func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	if exp == nil {
		return errors.New("experiment cannot be nil")
	}
	if exp.Name == "" {
		return errors.New("name is required")
	}
	if exp.ToolName == "" {
		return errors.New("tool_name is required")
	}
	if len(exp.Variants) == 0 {
		return errors.New("variants are required")
	}

	variantsJSON, err := marshalStrings(exp.Variants)
	if err != nil {
		return err
	}
	var targetsJSON sql.NullString
	if exp.TargetCommands != nil {
		encoded, err := marshalStrings(exp.TargetCommands)
		if err != nil {
			return err
		}
		targetsJSON = sql.NullString{String: encoded, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO experiments (
			tool_name, name, description, variants, target_commands,
			traffic_pct, is_active, created_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exp.ToolName, exp.Name, nullableString(exp.Description),
		variantsJSON, targetsJSON, exp.TrafficPct, exp.IsActive, exp.CreatedAtMs,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("experiment %s: %w", exp.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to create experiment: %w", err)
	}
	exp.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get experiment id: %w", err)
	}
	return nil
}

// ListExperiments returns all experiments for a tool.
func (s *SQLiteStore) ListExperiments(ctx context.Context, toolName string) ([]Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_name, name, description, variants, target_commands,
		       traffic_pct, is_active, created_at_ms
		FROM experiments
		WHERE tool_name = ?
		ORDER BY id
	`, toolName)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var out []Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate experiments: %w", err)
	}
	return out, nil
}

// GetExperiment looks up an experiment by tenant and name.
func (s *SQLiteStore) GetExperiment(ctx context.Context, toolName, name string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool_name, name, description, variants, target_commands,
		       traffic_pct, is_active, created_at_ms
		FROM experiments
		WHERE tool_name = ? AND name = ?
	`, toolName, name)
	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return exp, nil
}

// StopExperiment deactivates an experiment.
func (s *SQLiteStore) StopExperiment(ctx context.Context, toolName, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET is_active = 0 WHERE tool_name = ? AND name = ?
	`, toolName, name)
	if err != nil {
		return fmt.Errorf("failed to stop experiment: %w", err)
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

// scanner abstracts sql.Row and sql.Rows for scanExperiment.
type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (*Experiment, error) {
	var exp Experiment
	var description, targetsJSON sql.NullString
	var variantsJSON string
	err := row.Scan(
		&exp.ID, &exp.ToolName, &exp.Name, &description, &variantsJSON,
		&targetsJSON, &exp.TrafficPct, &exp.IsActive, &exp.CreatedAtMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan experiment: %w", err)
	}
	if description.Valid {
		exp.Description = &description.String
	}
	if exp.Variants, err = unmarshalStrings(variantsJSON); err != nil {
		return nil, err
	}
	if targetsJSON.Valid {
		if exp.TargetCommands, err = unmarshalStrings(targetsJSON.String); err != nil {
			return nil, err
		}
	}
	return &exp, nil
}

// GetAssignment looks up a stored variant assignment.
func (s *SQLiteStore) GetAssignment(ctx context.Context, experimentID int64, actorIDHash string) (*VariantAssignment, error) {
	var a VariantAssignment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, experiment_id, actor_id_hash, variant, assigned_at_ms
		FROM variant_assignments
		WHERE experiment_id = ? AND actor_id_hash = ?
	`, experimentID, actorIDHash).Scan(
		&a.ID, &a.ExperimentID, &a.ActorIDHash, &a.Variant, &a.AssignedAtMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

// CreateAssignment stores a variant assignment. Returns ErrDuplicate
// when the (experiment, actor) pair is already assigned, so callers can
// re-read the stored variant and keep assignments immutable.
func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *VariantAssignment) error {
	if a == nil {
		return errors.New("assignment cannot be nil")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO variant_assignments (experiment_id, actor_id_hash, variant, assigned_at_ms)
		VALUES (?, ?, ?, ?)
	`, a.ExperimentID, a.ActorIDHash, a.Variant, a.AssignedAtMs)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("assignment: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get assignment id: %w", err)
	}
	return nil
}

// VariantEventStats aggregates raw events tagged with an experiment
// variant: event count, successes, and average duration over events
// that carry one.
func (s *SQLiteStore) VariantEventStats(ctx context.Context, toolName string, experimentID int64, variant string) (*VariantStats, error) {
	var stats VariantStats
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN exit_code = 0 THEN 1 ELSE 0 END), 0),
		       AVG(duration_ms)
		FROM raw_events
		WHERE tool_name = ? AND experiment_id = ? AND variant = ?
	`, toolName, experimentID, variant).Scan(&stats.Events, &stats.SuccessCount, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to query variant stats: %w", err)
	}
	if avg.Valid {
		rounded := int64(avg.Float64 + 0.5)
		stats.AvgDurationMs = &rounded
	}
	return &stats, nil
}
