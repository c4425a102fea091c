// Package recommend mines command transitions out of inferred workflows
// and turns them into per-command suggestions. The transition map is
// recomputed on every call from the tenant's workflow-tagged events.
package recommend

import (
	"context"
	"fmt"
	"strings"

	"github.com/runger/cliscope/internal/storage"
)

// Recommendation types.
const (
	TypeAfterFailure   = "after_failure"
	TypeBeforeCommand  = "before_command"
	TypeCommonSequence = "common_sequence"
)

// Recommendation is one suggestion with its supporting evidence.
type Recommendation struct {
	Type           string  `json:"type"`
	Message        string  `json:"message"`
	Confidence     float64 `json:"confidence"`
	BasedOnSamples int     `json:"based_on_samples"`
}

// Response is the recommendations payload for one command.
type Response struct {
	Command         string           `json:"command"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Recommender computes recommendations for one store.
type Recommender struct {
	store storage.Store
}

// New creates a Recommender.
func New(store storage.Store) *Recommender {
	return &Recommender{store: store}
}

// pairKey is an ordered command transition inside one workflow.
type pairKey struct {
	prev string
	curr string
}

// pairStats counts outcomes of a transition's second command.
type pairStats struct {
	success int
	fail    int
}

// For derives recommendations for a command. failed reports whether the
// caller's invocation of the command just failed; it gates the recovery
// and next-step suggestions.
func (r *Recommender) For(ctx context.Context, toolName, command string, failed bool) (*Response, error) {
	events, err := r.store.SequenceEvents(ctx, toolName)
	if err != nil {
		return nil, err
	}

	pairs, order := transitions(events)
	cmd := strings.ToLower(command)

	resp := &Response{Command: command, Recommendations: []Recommendation{}}

	if failed {
		if rec, ok := afterFailure(pairs, order, command, cmd); ok {
			resp.Recommendations = append(resp.Recommendations, rec)
		}
	}
	if rec, ok := beforeCommand(pairs, order, command, cmd); ok {
		resp.Recommendations = append(resp.Recommendations, rec)
	}
	if !failed {
		if rec, ok := commonSequence(pairs, order, command, cmd); ok {
			resp.Recommendations = append(resp.Recommendations, rec)
		}
	}

	return resp, nil
}

// transitions builds the (prev, curr) outcome map from events ordered by
// (workflow, timestamp). Workflow boundaries reset the previous command.
// The returned order preserves first occurrence for deterministic
// tie-breaking.
func transitions(events []storage.SequenceEvent) (map[pairKey]*pairStats, []pairKey) {
	pairs := make(map[pairKey]*pairStats)
	var order []pairKey

	var currentWf int64 = -1
	prev := ""
	for _, ev := range events {
		cmd := ""
		if len(ev.CommandPath) > 0 {
			cmd = strings.ToLower(ev.CommandPath[len(ev.CommandPath)-1])
		}
		if ev.WorkflowRunID != currentWf {
			currentWf = ev.WorkflowRunID
			prev = ""
		}
		if cmd != "" && prev != "" {
			key := pairKey{prev: prev, curr: cmd}
			st, seen := pairs[key]
			if !seen {
				st = &pairStats{}
				pairs[key] = st
				order = append(order, key)
			}
			if ev.ExitCode != nil && *ev.ExitCode == 0 {
				st.success++
			} else {
				st.fail++
			}
		}
		prev = cmd
	}
	return pairs, order
}

// afterFailure finds the command users most often succeed with right
// after this one.
func afterFailure(pairs map[pairKey]*pairStats, order []pairKey, display, cmd string) (Recommendation, bool) {
	best := ""
	bestCount := 0
	for _, key := range order {
		st := pairs[key]
		if key.prev == cmd && st.success > 2 && st.success > bestCount {
			best = key.curr
			bestCount = st.success
		}
	}
	if best == "" {
		return Recommendation{}, false
	}
	return Recommendation{
		Type:           TypeAfterFailure,
		Message:        fmt.Sprintf("After '%s' fails, users often succeed by running '%s' next", display, best),
		Confidence:     capConfidence(float64(bestCount) / 10),
		BasedOnSamples: bestCount,
	}, true
}

// beforeCommand finds the most common predecessor of this command.
func beforeCommand(pairs map[pairKey]*pairStats, order []pairKey, display, cmd string) (Recommendation, bool) {
	best := ""
	bestTotal := 0
	bestRate := 0.0
	for _, key := range order {
		st := pairs[key]
		if key.curr != cmd {
			continue
		}
		total := st.success + st.fail
		if total > 2 && total > bestTotal {
			best = key.prev
			bestTotal = total
			bestRate = float64(st.success) / float64(total)
		}
	}
	if best == "" || bestTotal < 3 {
		return Recommendation{}, false
	}
	return Recommendation{
		Type:           TypeBeforeCommand,
		Message:        fmt.Sprintf("'%s' is commonly run before '%s'", best, display),
		Confidence:     bestRate,
		BasedOnSamples: bestTotal,
	}, true
}

// commonSequence finds the usual next step after this command.
func commonSequence(pairs map[pairKey]*pairStats, order []pairKey, display, cmd string) (Recommendation, bool) {
	best := ""
	bestCount := 0
	for _, key := range order {
		st := pairs[key]
		if key.prev == cmd && st.success > 0 && st.success > bestCount {
			best = key.curr
			bestCount = st.success
		}
	}
	if best == "" || bestCount < 3 {
		return Recommendation{}, false
	}
	return Recommendation{
		Type:           TypeCommonSequence,
		Message:        fmt.Sprintf("Users typically run '%s' after '%s'", best, display),
		Confidence:     capConfidence(float64(bestCount) / 10),
		BasedOnSamples: bestCount,
	}, true
}

func capConfidence(v float64) float64 {
	if v > 0.9 {
		return 0.9
	}
	return v
}
