package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/runger/cliscope/internal/storage"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.NewSQLiteStore(dbPath, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type step struct {
	cmd  string
	exit int
}

var seq atomic.Int64

// seedWorkflow stores one workflow run whose events execute the given
// command steps in order.
func seedWorkflow(t *testing.T, store *storage.SQLiteStore, tool string, steps []step) {
	t.Helper()

	ctx := context.Background()
	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	sess := &storage.Session{ToolName: tool, ActorIDHash: "a", MachineIDHash: "m", StartedAtMs: 0}
	if err := tx.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	run := &storage.WorkflowRun{
		SessionID:    sess.ID,
		ToolName:     tool,
		WorkflowName: "w",
		Outcome:      storage.OutcomeSuccess,
		StartedAtMs:  0,
		StepCount:    len(steps),
	}
	if err := tx.CreateWorkflowRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	for i, st := range steps {
		n := seq.Add(1)
		exit := st.exit
		ev := &storage.RawEvent{
			EventID:       fmt.Sprintf("evt_%012d_%08d", n, n),
			TimestampMs:   int64(i * 1000),
			ToolName:      tool,
			CommandPath:   []string{tool, st.cmd},
			ExitCode:      &exit,
			ActorIDHash:   "a",
			MachineIDHash: "m",
		}
		if err := tx.InsertRawEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		if err := tx.AssignEventWorkflow(ctx, ev.ID, run.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func find(recs []Recommendation, typ string) *Recommendation {
	for i := range recs {
		if recs[i].Type == typ {
			return &recs[i]
		}
	}
	return nil
}

func TestFor_AfterFailure(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	// "plan" succeeding after "apply" four times.
	for range 4 {
		seedWorkflow(t, store, "tf", []step{{"apply", 1}, {"plan", 0}})
	}

	resp, err := New(store).For(context.Background(), "tf", "apply", true)
	if err != nil {
		t.Fatalf("For() error = %v", err)
	}

	rec := find(resp.Recommendations, TypeAfterFailure)
	if rec == nil {
		t.Fatalf("no after_failure recommendation in %+v", resp.Recommendations)
	}
	if rec.BasedOnSamples != 4 {
		t.Errorf("BasedOnSamples = %d, want 4", rec.BasedOnSamples)
	}
	if rec.Confidence != 0.4 {
		t.Errorf("Confidence = %v, want 0.4", rec.Confidence)
	}
	if rec.Message != "After 'apply' fails, users often succeed by running 'plan' next" {
		t.Errorf("Message = %q", rec.Message)
	}
}

func TestFor_AfterFailure_NeedsMoreThanTwoSuccesses(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for range 2 {
		seedWorkflow(t, store, "tf", []step{{"apply", 1}, {"plan", 0}})
	}

	resp, err := New(store).For(context.Background(), "tf", "apply", true)
	if err != nil {
		t.Fatal(err)
	}
	if rec := find(resp.Recommendations, TypeAfterFailure); rec != nil {
		t.Errorf("got after_failure with only 2 samples: %+v", rec)
	}
}

func TestFor_BeforeCommand(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for range 3 {
		seedWorkflow(t, store, "tf", []step{{"plan", 0}, {"apply", 0}})
	}

	resp, err := New(store).For(context.Background(), "tf", "apply", false)
	if err != nil {
		t.Fatal(err)
	}

	rec := find(resp.Recommendations, TypeBeforeCommand)
	if rec == nil {
		t.Fatalf("no before_command recommendation in %+v", resp.Recommendations)
	}
	if rec.BasedOnSamples != 3 {
		t.Errorf("BasedOnSamples = %d, want 3", rec.BasedOnSamples)
	}
	if rec.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", rec.Confidence)
	}
	if rec.Message != "'plan' is commonly run before 'apply'" {
		t.Errorf("Message = %q", rec.Message)
	}
}

func TestFor_CommonSequence_SuppressedOnFailure(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for range 5 {
		seedWorkflow(t, store, "tf", []step{{"plan", 0}, {"apply", 0}})
	}

	resp, err := New(store).For(context.Background(), "tf", "plan", false)
	if err != nil {
		t.Fatal(err)
	}
	rec := find(resp.Recommendations, TypeCommonSequence)
	if rec == nil {
		t.Fatalf("no common_sequence recommendation in %+v", resp.Recommendations)
	}
	if rec.Message != "Users typically run 'apply' after 'plan'" {
		t.Errorf("Message = %q", rec.Message)
	}

	resp, err = New(store).For(context.Background(), "tf", "plan", true)
	if err != nil {
		t.Fatal(err)
	}
	if rec := find(resp.Recommendations, TypeCommonSequence); rec != nil {
		t.Error("common_sequence should be suppressed when failed=true")
	}
}

func TestFor_WorkflowBoundaryResetsPairs(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	// "plan" ends one workflow and "apply" starts the next; the pair
	// must not count across the boundary.
	for range 5 {
		seedWorkflow(t, store, "tf", []step{{"init", 0}, {"plan", 0}})
		seedWorkflow(t, store, "tf", []step{{"apply", 0}, {"destroy", 0}})
	}

	resp, err := New(store).For(context.Background(), "tf", "apply", false)
	if err != nil {
		t.Fatal(err)
	}
	if rec := find(resp.Recommendations, TypeBeforeCommand); rec != nil {
		t.Errorf("got cross-boundary before_command: %+v", rec)
	}
}

func TestFor_ConfidenceCapped(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for range 20 {
		seedWorkflow(t, store, "tf", []step{{"plan", 0}, {"apply", 0}})
	}

	resp, err := New(store).For(context.Background(), "tf", "plan", false)
	if err != nil {
		t.Fatal(err)
	}
	rec := find(resp.Recommendations, TypeCommonSequence)
	if rec == nil {
		t.Fatal("no common_sequence recommendation")
	}
	if rec.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want capped at 0.9", rec.Confidence)
	}
}

func TestFor_EmptyStore(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	resp, err := New(store).For(context.Background(), "tf", "apply", true)
	if err != nil {
		t.Fatalf("For() error = %v", err)
	}
	if len(resp.Recommendations) != 0 {
		t.Errorf("got %d recommendations from empty store", len(resp.Recommendations))
	}
	if resp.Command != "apply" {
		t.Errorf("Command = %q", resp.Command)
	}
}

func TestFor_TenantScoped(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for range 5 {
		seedWorkflow(t, store, "other", []step{{"plan", 0}, {"apply", 0}})
	}

	resp, err := New(store).For(context.Background(), "tf", "apply", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Recommendations) != 0 {
		t.Errorf("recommendations leaked across tenants: %+v", resp.Recommendations)
	}
}
