// Package infer reconstructs sessions and workflows from the raw event
// stream. Each run consumes events past a persistent cursor inside one
// transaction: events are partitioned per tenant and actor, grouped into
// sessions by inactivity gaps and context changes, and each session's
// events are segmented into workflow runs bounded by entry and terminal
// commands.
package infer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/runger/cliscope/internal/storage"
)

// batchLimit caps the number of events consumed per run.
const batchLimit = 10000

// DefaultEntryCommands start a new workflow when seen as the last token
// of a command path.
var DefaultEntryCommands = []string{
	"init", "login", "setup", "config", "create", "new", "start", "begin", "configure",
}

// DefaultTerminalCommands end a workflow when seen as the last token of
// a command path.
var DefaultTerminalCommands = []string{
	"deploy", "apply", "release", "publish", "scan", "test", "build", "push", "run", "execute",
}

// Result reports what one inference run did.
type Result struct {
	EventsProcessed  int `json:"events_processed"`
	SessionsCreated  int `json:"sessions_created"`
	SessionsUpdated  int `json:"sessions_updated"`
	WorkflowsCreated int `json:"workflows_created"`
}

// Options configures an Engine. Zero-value fields fall back to defaults.
type Options struct {
	SessionTimeout   time.Duration
	EntryCommands    []string
	TerminalCommands []string
}

// Engine runs inference passes over the raw event store. Overlapping
// calls collapse onto one in-flight run; combined with the cursor and
// the session back-pointer filter this keeps runs effectively serial.
type Engine struct {
	store    storage.Store
	timeout  time.Duration
	entry    map[string]bool
	terminal map[string]bool
	logger   *slog.Logger
	group    singleflight.Group
}

// New creates an Engine.
func New(store storage.Store, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.SessionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	entry := opts.EntryCommands
	if len(entry) == 0 {
		entry = DefaultEntryCommands
	}
	terminal := opts.TerminalCommands
	if len(terminal) == 0 {
		terminal = DefaultTerminalCommands
	}
	return &Engine{
		store:    store,
		timeout:  timeout,
		entry:    tokenSet(entry),
		terminal: tokenSet(terminal),
		logger:   logger,
	}
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return set
}

// Run executes one inference pass. Concurrent callers share the result
// of a single underlying run.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	v, err, _ := e.group.Do("infer", func() (any, error) {
		return e.run(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	started := time.Now()

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cursor, err := tx.Cursor(ctx)
	if err != nil {
		return nil, err
	}

	events, err := tx.UnprocessedEvents(ctx, cursor.LastEventID, batchLimit)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return &Result{}, nil
	}

	res := &Result{EventsProcessed: len(events)}

	touched, err := e.sessionize(ctx, tx, events, res)
	if err != nil {
		return nil, err
	}

	for _, sess := range touched {
		created, err := e.inferWorkflows(ctx, tx, sess)
		if err != nil {
			return nil, err
		}
		res.WorkflowsCreated += created
	}

	// Events are fetched in id order, so the last one is the max.
	maxID := events[len(events)-1].ID
	if err := tx.AdvanceCursor(ctx, maxID, time.Now().UnixMilli()); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	e.logger.Info("inference run complete",
		"events", res.EventsProcessed,
		"sessions_created", res.SessionsCreated,
		"sessions_updated", res.SessionsUpdated,
		"workflows_created", res.WorkflowsCreated,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return res, nil
}

// partitionKey isolates sessionization per tenant, actor, and machine.
type partitionKey struct {
	tool    string
	actor   string
	machine string
}

// sessionEvents is one session's share of this run's events, in
// timestamp order.
type sessionEvents struct {
	session *storage.Session
	events  []storage.RawEvent
}

// currentSession is the in-memory view of the session being carried
// while walking a partition.
type currentSession struct {
	id     int64
	hint   *string
	ci     bool
	lastTs int64
}

// sessionize groups events into sessions and writes the session rows,
// event back-pointers, and event counts. It returns the sessions whose
// events were touched this run, in partition order.
func (e *Engine) sessionize(ctx context.Context, tx *storage.Tx, events []storage.RawEvent, res *Result) ([]*sessionEvents, error) {
	partitions := make(map[partitionKey][]storage.RawEvent)
	var order []partitionKey
	for _, ev := range events {
		k := partitionKey{tool: ev.ToolName, actor: ev.ActorIDHash, machine: ev.MachineIDHash}
		if _, seen := partitions[k]; !seen {
			order = append(order, k)
		}
		partitions[k] = append(partitions[k], ev)
	}

	var touched []*sessionEvents
	bySession := make(map[int64]*sessionEvents)

	for _, k := range order {
		part := partitions[k]
		sort.SliceStable(part, func(i, j int) bool {
			if part[i].TimestampMs != part[j].TimestampMs {
				return part[i].TimestampMs < part[j].TimestampMs
			}
			return part[i].ID < part[j].ID
		})

		cur, err := e.resumeOpenSession(ctx, tx, k)
		if err != nil {
			return nil, err
		}

		for i := range part {
			ev := &part[i]

			if cur != nil && e.breaksSession(cur, ev) {
				if err := tx.CloseSession(ctx, cur.id, cur.lastTs); err != nil {
					return nil, err
				}
				res.SessionsUpdated++
				cur = nil
			}

			if cur == nil {
				sess := &storage.Session{
					ToolName:      ev.ToolName,
					ActorIDHash:   ev.ActorIDHash,
					MachineIDHash: ev.MachineIDHash,
					SessionHint:   ev.SessionHint,
					CIDetected:    ev.CIDetected,
					StartedAtMs:   ev.TimestampMs,
				}
				if err := tx.CreateSession(ctx, sess); err != nil {
					return nil, err
				}
				res.SessionsCreated++
				cur = &currentSession{
					id:     sess.ID,
					hint:   ev.SessionHint,
					ci:     ev.CIDetected,
					lastTs: ev.TimestampMs,
				}
				se := &sessionEvents{session: sess}
				bySession[sess.ID] = se
				touched = append(touched, se)
			}

			if err := tx.AssignEventSession(ctx, ev.ID, cur.id); err != nil {
				return nil, err
			}
			if err := tx.AddSessionEventCount(ctx, cur.id, 1); err != nil {
				return nil, err
			}
			if ev.TimestampMs > cur.lastTs {
				cur.lastTs = ev.TimestampMs
			}

			se := bySession[cur.id]
			if se == nil {
				// Continuation of a session opened by an earlier run.
				se = &sessionEvents{session: &storage.Session{
					ID:            cur.id,
					ToolName:      ev.ToolName,
					ActorIDHash:   ev.ActorIDHash,
					MachineIDHash: ev.MachineIDHash,
				}}
				bySession[cur.id] = se
				touched = append(touched, se)
			}
			sid := cur.id
			ev.SessionID = &sid
			se.events = append(se.events, *ev)
		}
	}

	return touched, nil
}

// resumeOpenSession loads the latest open session for a partition so the
// first event of this run is judged against it.
func (e *Engine) resumeOpenSession(ctx context.Context, tx *storage.Tx, k partitionKey) (*currentSession, error) {
	sess, err := tx.LatestOpenSession(ctx, k.tool, k.actor, k.machine)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	lastTs, ok, err := tx.LastEventTime(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		lastTs = sess.StartedAtMs
	}
	return &currentSession{
		id:     sess.ID,
		hint:   sess.SessionHint,
		ci:     sess.CIDetected,
		lastTs: lastTs,
	}, nil
}

// breaksSession decides whether ev belongs to a new session relative to
// the carried one.
func (e *Engine) breaksSession(cur *currentSession, ev *storage.RawEvent) bool {
	if hintValue(ev.SessionHint) != hintValue(cur.hint) {
		return true
	}
	if ev.CIDetected != cur.ci {
		return true
	}
	gap := time.Duration(ev.TimestampMs-cur.lastTs) * time.Millisecond
	return gap > e.timeout
}

// hintValue treats an absent hint and an empty hint as equal.
func hintValue(hint *string) string {
	if hint == nil {
		return ""
	}
	return *hint
}

// inferWorkflows walks one session's new events in timestamp order and
// persists the workflow runs, steps, and event back-pointers. Returns
// the number of workflows created.
func (e *Engine) inferWorkflows(ctx context.Context, tx *storage.Tx, sess *sessionEvents) (int, error) {
	events := sess.events
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].TimestampMs != events[j].TimestampMs {
			return events[i].TimestampMs < events[j].TimestampMs
		}
		return events[i].ID < events[j].ID
	})

	created := 0
	var buffer []storage.RawEvent

	flush := func(isTimeout bool) error {
		if len(buffer) == 0 {
			return nil
		}
		if err := e.persistWorkflow(ctx, tx, sess.session, buffer, isTimeout); err != nil {
			return err
		}
		created++
		buffer = nil
		return nil
	}

	for i := range events {
		ev := events[i]
		if len(buffer) == 0 {
			buffer = append(buffer, ev)
			continue
		}

		prev := buffer[len(buffer)-1]
		switch {
		case e.terminal[lastToken(prev.CommandPath)] && prev.ExitCode != nil:
			if err := flush(false); err != nil {
				return created, err
			}
			buffer = append(buffer, ev)
		case e.entry[lastToken(ev.CommandPath)]:
			if err := flush(false); err != nil {
				return created, err
			}
			buffer = append(buffer, ev)
		case time.Duration(ev.TimestampMs-prev.TimestampMs)*time.Millisecond > e.timeout:
			if err := flush(true); err != nil {
				return created, err
			}
			buffer = append(buffer, ev)
		default:
			buffer = append(buffer, ev)
		}
	}

	// The trailing workflow only counts as finished when it actually
	// reached a terminal command.
	if len(buffer) > 0 {
		last := buffer[len(buffer)-1]
		timedOut := !e.terminal[lastToken(last.CommandPath)]
		if err := flush(timedOut); err != nil {
			return created, err
		}
	}

	return created, nil
}

// persistWorkflow writes one workflow run with its steps and fills the
// member events' back-pointers.
func (e *Engine) persistWorkflow(ctx context.Context, tx *storage.Tx, sess *storage.Session, events []storage.RawEvent, isTimeout bool) error {
	first := events[0]
	last := events[len(events)-1]

	run := &storage.WorkflowRun{
		SessionID:          sess.ID,
		ToolName:           first.ToolName,
		WorkflowName:       e.workflowName(events),
		Outcome:            e.outcome(events, isTimeout),
		StartedAtMs:        first.TimestampMs,
		StepCount:          len(events),
		CommandFingerprint: workflowFingerprint(events),
	}
	endedAt := last.TimestampMs
	run.EndedAtMs = &endedAt

	if len(events) >= 2 {
		d := last.TimestampMs - first.TimestampMs
		run.DurationMs = &d
	} else if first.DurationMs != nil {
		d := *first.DurationMs
		run.DurationMs = &d
	}

	if err := tx.CreateWorkflowRun(ctx, run); err != nil {
		return err
	}

	for i, ev := range events {
		step := &storage.WorkflowStep{
			WorkflowRunID:      run.ID,
			EventID:            ev.ID,
			StepOrder:          i,
			CommandFingerprint: EventFingerprint(ev.CommandPath, ev.FlagsPresent),
		}
		if err := tx.CreateWorkflowStep(ctx, step); err != nil {
			return err
		}
		if err := tx.AssignEventWorkflow(ctx, ev.ID, run.ID); err != nil {
			return err
		}
	}
	return nil
}

// outcome classifies a workflow by its last event.
func (e *Engine) outcome(events []storage.RawEvent, isTimeout bool) string {
	if isTimeout {
		return storage.OutcomeAbandoned
	}
	last := events[len(events)-1]
	if !e.terminal[lastToken(last.CommandPath)] {
		return storage.OutcomeAbandoned
	}
	if last.ExitCode == nil {
		return storage.OutcomeAbandoned
	}
	if *last.ExitCode == 0 {
		return storage.OutcomeSuccess
	}
	return storage.OutcomeFailed
}

// workflowName derives a name from the most frequent terminal token,
// ties broken by first occurrence. Falls back to the tool name.
func (e *Engine) workflowName(events []storage.RawEvent) string {
	if len(events) == 0 {
		return "unknown_workflow"
	}

	counts := make(map[string]int)
	var order []string
	for _, ev := range events {
		token := lastToken(ev.CommandPath)
		if !e.terminal[token] {
			continue
		}
		if _, seen := counts[token]; !seen {
			order = append(order, token)
		}
		counts[token]++
	}

	best := ""
	bestCount := 0
	for _, token := range order {
		if counts[token] > bestCount {
			best = token
			bestCount = counts[token]
		}
	}
	if best != "" {
		return best + "_workflow"
	}
	return events[0].ToolName + "_workflow"
}

// lastToken returns the lowercased final element of a command path.
func lastToken(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return strings.ToLower(path[len(path)-1])
}

// EventFingerprint builds the stable key for one command: the path
// joined by "/" plus the sorted flag names in brackets when present.
func EventFingerprint(path, flags []string) string {
	fp := strings.Join(path, "/")
	if len(flags) > 0 {
		sorted := make([]string, len(flags))
		copy(sorted, flags)
		sort.Strings(sorted)
		fp += "[" + strings.Join(sorted, ",") + "]"
	}
	return fp
}

// workflowFingerprint joins the member events' fingerprints.
func workflowFingerprint(events []storage.RawEvent) string {
	parts := make([]string, len(events))
	for i, ev := range events {
		parts[i] = EventFingerprint(ev.CommandPath, ev.FlagsPresent)
	}
	return strings.Join(parts, " -> ")
}
