package storage

import (
	"context"
	"testing"
)

func seedRun(t *testing.T, store *SQLiteStore, tool, name, outcome string, startedAt int64, duration *int64, fingerprint string) *WorkflowRun {
	t.Helper()

	ctx := context.Background()
	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	sess := &Session{ToolName: tool, ActorIDHash: "a", MachineIDHash: "m", StartedAtMs: startedAt}
	if err := tx.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	run := &WorkflowRun{
		SessionID:          sess.ID,
		ToolName:           tool,
		WorkflowName:       name,
		Outcome:            outcome,
		StartedAtMs:        startedAt,
		DurationMs:         duration,
		StepCount:          1,
		CommandFingerprint: fingerprint,
	}
	if err := tx.CreateWorkflowRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return run
}

func ms(v int64) *int64 { return &v }

func TestTopWorkflowStats(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	seedRun(t, store, "tf", "apply_workflow", OutcomeSuccess, 100, ms(10), "tf/apply")
	seedRun(t, store, "tf", "apply_workflow", OutcomeFailed, 200, nil, "tf/apply")
	seedRun(t, store, "tf", "apply_workflow", OutcomeAbandoned, 300, nil, "tf/apply")
	seedRun(t, store, "tf", "test_workflow", OutcomeSuccess, 400, ms(20), "go/test")
	seedRun(t, store, "other", "apply_workflow", OutcomeSuccess, 500, nil, "x")

	stats, err := store.TopWorkflowStats(ctx, "tf", 10)
	if err != nil {
		t.Fatalf("TopWorkflowStats() error = %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d rows, want 2", len(stats))
	}
	if stats[0].WorkflowName != "apply_workflow" {
		t.Errorf("top workflow = %q, want apply_workflow", stats[0].WorkflowName)
	}
	if stats[0].TotalRuns != 3 || stats[0].SuccessCount != 1 || stats[0].FailedCount != 1 || stats[0].AbandonedCount != 1 {
		t.Errorf("apply_workflow stats = %+v", stats[0])
	}
}

func TestSuccessDurations_FiltersOutcomeAndNull(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	seedRun(t, store, "tf", "apply_workflow", OutcomeSuccess, 100, ms(10), "fp")
	seedRun(t, store, "tf", "apply_workflow", OutcomeSuccess, 200, nil, "fp")
	seedRun(t, store, "tf", "apply_workflow", OutcomeFailed, 300, ms(99), "fp")

	durations, err := store.SuccessDurations(ctx, "tf", "apply_workflow")
	if err != nil {
		t.Fatalf("SuccessDurations() error = %v", err)
	}
	if len(durations) != 1 || durations[0] != 10 {
		t.Errorf("SuccessDurations() = %v, want [10]", durations)
	}
}

func TestFailedWorkflowRuns_ScopedToTool(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	seedRun(t, store, "tf", "apply_workflow", OutcomeFailed, 100, nil, "tf/apply")
	seedRun(t, store, "tf", "apply_workflow", OutcomeSuccess, 200, nil, "tf/apply")
	seedRun(t, store, "other", "apply_workflow", OutcomeFailed, 300, nil, "x")

	failed, err := store.FailedWorkflowRuns(ctx, "tf")
	if err != nil {
		t.Fatalf("FailedWorkflowRuns() error = %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("got %d failed runs, want 1", len(failed))
	}
	if failed[0].CommandFingerprint != "tf/apply" {
		t.Errorf("fingerprint = %q", failed[0].CommandFingerprint)
	}
}

func TestWorkflowRunsByName_NewestFirst(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	seedRun(t, store, "tf", "apply_workflow", OutcomeSuccess, 100, nil, "fp")
	seedRun(t, store, "tf", "apply_workflow", OutcomeFailed, 300, nil, "fp")
	seedRun(t, store, "tf", "apply_workflow", OutcomeSuccess, 200, nil, "fp")

	runs, err := store.WorkflowRunsByName(ctx, "tf", "apply_workflow")
	if err != nil {
		t.Fatalf("WorkflowRunsByName() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	if runs[0].StartedAtMs != 300 || runs[1].StartedAtMs != 200 || runs[2].StartedAtMs != 100 {
		t.Errorf("runs out of order: %d, %d, %d", runs[0].StartedAtMs, runs[1].StartedAtMs, runs[2].StartedAtMs)
	}
}

func TestSequenceEvents_OrderedByWorkflowThenTime(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	run1 := seedRun(t, store, "tf", "w", OutcomeSuccess, 100, nil, "fp")
	run2 := seedRun(t, store, "tf", "w", OutcomeSuccess, 200, nil, "fp")

	exit := 0
	events := []struct {
		id    string
		ts    int64
		runID int64
		path  []string
	}{
		{"evt_1_00000001", 250, run2.ID, []string{"tf", "plan"}},
		{"evt_2_00000001", 150, run1.ID, []string{"tf", "apply"}},
		{"evt_3_00000001", 100, run1.ID, []string{"tf", "init"}},
	}
	for _, spec := range events {
		ev := testEvent(spec.id)
		ev.TimestampMs = spec.ts
		ev.CommandPath = spec.path
		ev.ExitCode = &exit
		insertEvent(t, store, ev)

		tx, err := store.BeginTx(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := tx.AssignEventWorkflow(ctx, ev.ID, spec.runID); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	// One event with no workflow should be excluded.
	insertEvent(t, store, testEvent("evt_orphan_00000001"))

	got, err := store.SequenceEvents(ctx, "tf")
	if err != nil {
		t.Fatalf("SequenceEvents() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].WorkflowRunID != run1.ID || got[0].CommandPath[1] != "init" {
		t.Errorf("first event = %+v, want run1 init", got[0])
	}
	if got[1].CommandPath[1] != "apply" {
		t.Errorf("second event path = %v, want apply", got[1].CommandPath)
	}
	if got[2].WorkflowRunID != run2.ID {
		t.Errorf("third event run = %d, want %d", got[2].WorkflowRunID, run2.ID)
	}
}

func TestVariantEventStats(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	expID := int64(7)
	specs := []struct {
		id       string
		exit     int
		duration *int64
		variant  string
	}{
		{"evt_v_00000001", 0, ms(100), "control"},
		{"evt_v_00000002", 1, ms(300), "control"},
		{"evt_v_00000003", 0, nil, "control"},
		{"evt_v_00000004", 0, ms(50), "v1"},
	}
	for _, spec := range specs {
		ev := testEvent(spec.id)
		exit := spec.exit
		ev.ExitCode = &exit
		ev.DurationMs = spec.duration
		ev.ExperimentID = &expID
		variant := spec.variant
		ev.Variant = &variant
		insertEvent(t, store, ev)
	}

	stats, err := store.VariantEventStats(ctx, "tf", expID, "control")
	if err != nil {
		t.Fatalf("VariantEventStats() error = %v", err)
	}
	if stats.Events != 3 {
		t.Errorf("Events = %d, want 3", stats.Events)
	}
	if stats.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", stats.SuccessCount)
	}
	if stats.AvgDurationMs == nil || *stats.AvgDurationMs != 200 {
		t.Errorf("AvgDurationMs = %v, want 200", stats.AvgDurationMs)
	}

	empty, err := store.VariantEventStats(ctx, "tf", expID, "missing")
	if err != nil {
		t.Fatalf("VariantEventStats() error = %v", err)
	}
	if empty.Events != 0 || empty.AvgDurationMs != nil {
		t.Errorf("empty variant stats = %+v", empty)
	}
}
