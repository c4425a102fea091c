// Package ingest validates, normalizes, and persists inbound telemetry
// events. Each batch commits in one transaction; individual events that
// fail validation are rejected without failing the batch.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/runger/cliscope/internal/privacy"
	"github.com/runger/cliscope/internal/storage"
)

// MaxBatchSize is the largest number of events accepted in one request.
const MaxBatchSize = 1000

// EventInput is the wire shape of one telemetry event.
type EventInput struct {
	Timestamp    string   `json:"timestamp" validate:"required"`
	ToolName     string   `json:"tool_name"`
	ToolVersion  string   `json:"tool_version,omitempty"`
	CommandPath  []string `json:"command_path" validate:"required,min=1"`
	FlagsPresent []string `json:"flags_present,omitempty"`
	ExitCode     *int     `json:"exit_code,omitempty"`
	DurationMs   *int64   `json:"duration_ms,omitempty" validate:"omitempty,gte=0"`
	ErrorType    string   `json:"error_type,omitempty"`
	ActorID      string   `json:"actor_id" validate:"required"`
	MachineID    string   `json:"machine_id" validate:"required"`
	SessionHint  string   `json:"session_hint,omitempty"`
	CIDetected   bool     `json:"ci_detected"`
}

// Result summarizes one batch: how many events were stored, how many
// were rejected, and the generated ids of the stored ones.
type Result struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	EventIDs []string `json:"event_ids"`
}

// Ingestor validates and persists event batches for one store.
type Ingestor struct {
	store    storage.Store
	norm     *privacy.Normalizer
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates an Ingestor.
func New(store storage.Store, norm *privacy.Normalizer, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:    store,
		norm:     norm,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// IngestBatch persists a batch of events under the tenant's tool name.
// Events that fail validation are counted as rejected and skipped; a
// storage failure rolls back the whole batch.
func (in *Ingestor) IngestBatch(ctx context.Context, toolName string, events []EventInput) (*Result, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("batch cannot be empty")
	}
	if len(events) > MaxBatchSize {
		return nil, fmt.Errorf("batch exceeds %d events", MaxBatchSize)
	}

	tool := privacy.ToolName(toolName)
	now := time.Now().UnixMilli()

	tx, err := in.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &Result{EventIDs: []string{}}
	for i := range events {
		ev, err := in.normalize(&events[i], tool, now)
		if err != nil {
			res.Rejected++
			in.logger.Warn("event rejected", "index", i, "error", err)
			continue
		}
		if err := tx.InsertRawEvent(ctx, ev); err != nil {
			return nil, err
		}
		res.Accepted++
		res.EventIDs = append(res.EventIDs, ev.EventID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return res, nil
}

// normalize validates one input event and produces the sanitized row.
func (in *Ingestor) normalize(input *EventInput, tool string, ingestedAtMs int64) (*storage.RawEvent, error) {
	if err := in.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	ts, err := parseTimestamp(input.Timestamp)
	if err != nil {
		return nil, err
	}

	ev := &storage.RawEvent{
		EventID:       GenerateEventID(input),
		TimestampMs:   ts.UnixMilli(),
		ToolName:      tool,
		CommandPath:   privacy.CommandPath(input.CommandPath),
		FlagsPresent:  privacy.Flags(input.FlagsPresent),
		ExitCode:      input.ExitCode,
		DurationMs:    input.DurationMs,
		ActorIDHash:   in.norm.HashIdentifier(input.ActorID),
		MachineIDHash: in.norm.HashIdentifier(input.MachineID),
		CIDetected:    input.CIDetected,
		IngestedAtMs:  ingestedAtMs,
	}
	if v := privacy.ToolVersion(input.ToolVersion); v != "" {
		ev.ToolVersion = &v
	}
	if e := privacy.ErrorType(input.ErrorType); e != "" {
		ev.ErrorType = &e
	}
	if input.SessionHint != "" {
		hint := input.SessionHint
		ev.SessionHint = &hint
	}
	return ev, nil
}

// GenerateEventID builds an id of the form evt_<12hex>_<8hex>: a content
// hash over the raw event identity fields plus a random suffix. The
// content prefix lets clients detect duplicate submissions; the suffix
// keeps ids unique so re-submission is not silently deduplicated.
func GenerateEventID(input *EventInput) string {
	content := fmt.Sprintf("%s:%s:%s:%s:%s",
		input.Timestamp,
		input.ActorID,
		input.MachineID,
		input.ToolName,
		strings.Join(input.CommandPath, ":"),
	)
	sum := sha256.Sum256([]byte(content))
	prefix := hex.EncodeToString(sum[:])[:12]

	u := uuid.New()
	suffix := hex.EncodeToString(u[:])[:8]

	return fmt.Sprintf("evt_%s_%s", prefix, suffix)
}

// timestampLayouts are tried in order. Layouts without a zone are
// interpreted as UTC.
var timestampLayouts = []struct {
	layout string
	naive  bool
}{
	{layout: time.RFC3339Nano},
	{layout: time.RFC3339},
	{layout: "2006-01-02T15:04:05.999999999", naive: true},
	{layout: "2006-01-02T15:04:05", naive: true},
	{layout: "2006-01-02 15:04:05", naive: true},
}

// parseTimestamp parses an ISO-8601 timestamp, assuming UTC when the
// input carries no zone.
func parseTimestamp(value string) (time.Time, error) {
	for _, l := range timestampLayouts {
		var t time.Time
		var err error
		if l.naive {
			t, err = time.ParseInLocation(l.layout, value, time.UTC)
		} else {
			t, err = time.Parse(l.layout, value)
		}
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}
