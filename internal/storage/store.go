// Package storage provides SQLite-based persistence for cliscope: raw
// events, sessions, workflow runs and steps, the inference cursor, API
// credentials, and experiments. Raw events are append-only; inference
// fills their session/workflow back-pointers exactly once inside a
// single transaction.
package storage

import (
	"context"
	"errors"
)

// Workflow outcome values stored on workflow_runs.outcome.
const (
	OutcomeSuccess   = "SUCCESS"
	OutcomeFailed    = "FAILED"
	OutcomeAbandoned = "ABANDONED"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint is violated.
var ErrDuplicate = errors.New("already exists")

// RawEvent is one ingested CLI invocation. All fields except the
// back-pointers are immutable after commit.
type RawEvent struct {
	ID            int64
	EventID       string
	TimestampMs   int64
	ToolName      string
	ToolVersion   *string
	CommandPath   []string
	FlagsPresent  []string
	ExitCode      *int
	DurationMs    *int64
	ErrorType     *string
	ActorIDHash   string
	MachineIDHash string
	SessionHint   *string
	CIDetected    bool
	IngestedAtMs  int64
	SessionID     *int64
	WorkflowRunID *int64
	ExperimentID  *int64
	Variant       *string
}

// Session is a maximal contiguous run of events for one
// (tool, actor, machine, hint, ci) tuple. Open iff EndedAtMs is nil.
type Session struct {
	ID            int64
	ToolName      string
	ActorIDHash   string
	MachineIDHash string
	SessionHint   *string
	CIDetected    bool
	StartedAtMs   int64
	EndedAtMs     *int64
	EventCount    int
}

// WorkflowRun is an inferred workflow within a session.
type WorkflowRun struct {
	ID                 int64
	SessionID          int64
	ToolName           string
	WorkflowName       string
	Outcome            string
	StartedAtMs        int64
	EndedAtMs          *int64
	DurationMs         *int64
	StepCount          int
	CommandFingerprint string
}

// WorkflowStep links one event into a workflow at a dense step order.
type WorkflowStep struct {
	ID                 int64
	WorkflowRunID      int64
	EventID            int64
	StepOrder          int
	CommandFingerprint string
}

// Cursor tracks the highest raw event id consumed by inference.
type Cursor struct {
	LastEventID int64
	LastRunAtMs *int64
}

// APIKey is a stored credential; only the SHA-256 of the token is kept.
type APIKey struct {
	ID          int64
	KeyHash     string
	Name        string
	ToolName    string
	CreatedAtMs int64
	IsActive    bool
}

// Experiment is an A/B test definition scoped to one tool.
type Experiment struct {
	ID             int64
	ToolName       string
	Name           string
	Description    *string
	Variants       []string
	TargetCommands []string
	TrafficPct     int
	IsActive       bool
	CreatedAtMs    int64
}

// VariantAssignment pins an actor to a variant; immutable once written.
type VariantAssignment struct {
	ID           int64
	ExperimentID int64
	ActorIDHash  string
	Variant      string
	AssignedAtMs int64
}

// WorkflowNameStats is one row of the grouped summary query.
type WorkflowNameStats struct {
	WorkflowName   string
	TotalRuns      int
	SuccessCount   int
	FailedCount    int
	AbandonedCount int
}

// SequenceEvent is the slice of a raw event the recommender needs:
// workflow membership, command path, and success signal.
type SequenceEvent struct {
	WorkflowRunID int64
	CommandPath   []string
	ExitCode      *int
}

// VariantStats aggregates events for one experiment variant.
type VariantStats struct {
	Events        int
	SuccessCount  int
	AvgDurationMs *int64
}

// Store is the persistence interface consumed by the services. The
// SQLite implementation is the only one; the interface exists so
// handlers can be tested against the real store uniformly.
type Store interface {
	// Transactions (ingestion batches, inference runs)
	BeginTx(ctx context.Context) (*Tx, error)

	// API credentials
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)

	// Experiments
	CreateExperiment(ctx context.Context, exp *Experiment) error
	ListExperiments(ctx context.Context, toolName string) ([]Experiment, error)
	GetExperiment(ctx context.Context, toolName, name string) (*Experiment, error)
	StopExperiment(ctx context.Context, toolName, name string) error
	GetAssignment(ctx context.Context, experimentID int64, actorIDHash string) (*VariantAssignment, error)
	CreateAssignment(ctx context.Context, a *VariantAssignment) error
	VariantEventStats(ctx context.Context, toolName string, experimentID int64, variant string) (*VariantStats, error)

	// Reports
	CountEvents(ctx context.Context, toolName string) (int64, error)
	CountSessions(ctx context.Context, toolName string) (int64, error)
	CountWorkflows(ctx context.Context, toolName string) (int64, error)
	TopWorkflowStats(ctx context.Context, toolName string, limit int) ([]WorkflowNameStats, error)
	SuccessDurations(ctx context.Context, toolName, workflowName string) ([]int64, error)
	FailedWorkflowRuns(ctx context.Context, toolName string) ([]WorkflowRun, error)
	WorkflowRunsByName(ctx context.Context, toolName, workflowName string) ([]WorkflowRun, error)

	// Recommender
	SequenceEvents(ctx context.Context, toolName string) ([]SequenceEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
