// Package report builds the tenant-scoped read models: the summary
// report and per-workflow detail. All queries are read-only and
// recomputed per call.
package report

import (
	"context"
	"math"
	"sort"

	"github.com/runger/cliscope/internal/storage"
)

const (
	topWorkflowLimit    = 10
	hotPathLimit        = 10
	topFingerprintLimit = 5
	recentRunLimit      = 10
)

// Totals are the tenant-wide row counts.
type Totals struct {
	Events    int64 `json:"events"`
	Sessions  int64 `json:"sessions"`
	Workflows int64 `json:"workflows"`
}

// WorkflowSummary is one row of the top-workflows table.
type WorkflowSummary struct {
	WorkflowName     string  `json:"workflow_name"`
	TotalRuns        int     `json:"total_runs"`
	SuccessCount     int     `json:"success_count"`
	FailedCount      int     `json:"failed_count"`
	AbandonedCount   int     `json:"abandoned_count"`
	SuccessRate      float64 `json:"success_rate"`
	MedianDurationMs *int64  `json:"median_duration_ms"`
}

// HotPath is one failing command fingerprint with its frequency.
type HotPath struct {
	CommandFingerprint string `json:"command_fingerprint"`
	Occurrences        int    `json:"occurrences"`
	WorkflowName       string `json:"workflow_name"`
}

// Summary is the tenant-wide report.
type Summary struct {
	Totals          Totals            `json:"totals"`
	TopWorkflows    []WorkflowSummary `json:"top_workflows"`
	FailureHotPaths []HotPath         `json:"failure_hot_paths"`
}

// FingerprintCount is one workflow fingerprint with its frequency.
type FingerprintCount struct {
	CommandFingerprint string `json:"command_fingerprint"`
	Count              int    `json:"count"`
}

// RunSummary is one recent run in a workflow detail report.
type RunSummary struct {
	ID          int64  `json:"id"`
	Outcome     string `json:"outcome"`
	StartedAtMs int64  `json:"started_at_ms"`
	DurationMs  *int64 `json:"duration_ms"`
	StepCount   int    `json:"step_count"`
}

// Detail is the per-workflow report.
type Detail struct {
	WorkflowName     string             `json:"workflow_name"`
	TotalRuns        int                `json:"total_runs"`
	Outcomes         map[string]int     `json:"outcomes"`
	SuccessRate      float64            `json:"success_rate"`
	MedianDurationMs *int64             `json:"median_duration_ms"`
	TopFingerprints  []FingerprintCount `json:"top_fingerprints"`
	RecentRuns       []RunSummary       `json:"recent_runs"`
}

// Reporter computes reports for one store.
type Reporter struct {
	store storage.Store
}

// New creates a Reporter.
func New(store storage.Store) *Reporter {
	return &Reporter{store: store}
}

// Summary builds the tenant-wide report.
func (r *Reporter) Summary(ctx context.Context, toolName string) (*Summary, error) {
	events, err := r.store.CountEvents(ctx, toolName)
	if err != nil {
		return nil, err
	}
	sessions, err := r.store.CountSessions(ctx, toolName)
	if err != nil {
		return nil, err
	}
	workflows, err := r.store.CountWorkflows(ctx, toolName)
	if err != nil {
		return nil, err
	}

	stats, err := r.store.TopWorkflowStats(ctx, toolName, topWorkflowLimit)
	if err != nil {
		return nil, err
	}
	top := make([]WorkflowSummary, 0, len(stats))
	for _, st := range stats {
		durations, err := r.store.SuccessDurations(ctx, toolName, st.WorkflowName)
		if err != nil {
			return nil, err
		}
		top = append(top, WorkflowSummary{
			WorkflowName:     st.WorkflowName,
			TotalRuns:        st.TotalRuns,
			SuccessCount:     st.SuccessCount,
			FailedCount:      st.FailedCount,
			AbandonedCount:   st.AbandonedCount,
			SuccessRate:      successRate(st.SuccessCount, st.TotalRuns),
			MedianDurationMs: Median(durations),
		})
	}

	hotPaths, err := r.failureHotPaths(ctx, toolName)
	if err != nil {
		return nil, err
	}

	return &Summary{
		Totals:          Totals{Events: events, Sessions: sessions, Workflows: workflows},
		TopWorkflows:    top,
		FailureHotPaths: hotPaths,
	}, nil
}

// failureHotPaths groups FAILED runs by fingerprint, keeping the first
// seen workflow name as the representative.
func (r *Reporter) failureHotPaths(ctx context.Context, toolName string) ([]HotPath, error) {
	failed, err := r.store.FailedWorkflowRuns(ctx, toolName)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]*HotPath)
	var order []string
	for _, run := range failed {
		hp, seen := counts[run.CommandFingerprint]
		if !seen {
			hp = &HotPath{CommandFingerprint: run.CommandFingerprint, WorkflowName: run.WorkflowName}
			counts[run.CommandFingerprint] = hp
			order = append(order, run.CommandFingerprint)
		}
		hp.Occurrences++
	}

	// Sort by frequency, first occurrence winning ties.
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]].Occurrences > counts[order[j]].Occurrences
	})

	out := make([]HotPath, 0, len(order))
	for _, fp := range order {
		out = append(out, *counts[fp])
		if len(out) == hotPathLimit {
			break
		}
	}
	return out, nil
}

// WorkflowDetail builds the report for one workflow name. Returns
// storage.ErrNotFound when no runs bear the name.
func (r *Reporter) WorkflowDetail(ctx context.Context, toolName, workflowName string) (*Detail, error) {
	runs, err := r.store.WorkflowRunsByName(ctx, toolName, workflowName)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, storage.ErrNotFound
	}

	outcomes := map[string]int{
		storage.OutcomeSuccess:   0,
		storage.OutcomeFailed:    0,
		storage.OutcomeAbandoned: 0,
	}
	var durations []int64
	fpCounts := make(map[string]int)
	var fpOrder []string
	for _, run := range runs {
		outcomes[run.Outcome]++
		if run.Outcome == storage.OutcomeSuccess && run.DurationMs != nil {
			durations = append(durations, *run.DurationMs)
		}
		if run.CommandFingerprint != "" {
			if _, seen := fpCounts[run.CommandFingerprint]; !seen {
				fpOrder = append(fpOrder, run.CommandFingerprint)
			}
			fpCounts[run.CommandFingerprint]++
		}
	}

	sort.SliceStable(fpOrder, func(i, j int) bool {
		return fpCounts[fpOrder[i]] > fpCounts[fpOrder[j]]
	})
	top := make([]FingerprintCount, 0, topFingerprintLimit)
	for _, fp := range fpOrder {
		top = append(top, FingerprintCount{CommandFingerprint: fp, Count: fpCounts[fp]})
		if len(top) == topFingerprintLimit {
			break
		}
	}

	recent := make([]RunSummary, 0, recentRunLimit)
	for _, run := range runs {
		recent = append(recent, RunSummary{
			ID:          run.ID,
			Outcome:     run.Outcome,
			StartedAtMs: run.StartedAtMs,
			DurationMs:  run.DurationMs,
			StepCount:   run.StepCount,
		})
		if len(recent) == recentRunLimit {
			break
		}
	}

	return &Detail{
		WorkflowName:     workflowName,
		TotalRuns:        len(runs),
		Outcomes:         outcomes,
		SuccessRate:      successRate(outcomes[storage.OutcomeSuccess], len(runs)),
		MedianDurationMs: Median(durations),
		TopFingerprints:  top,
		RecentRuns:       recent,
	}, nil
}

// successRate is the success fraction rounded to two decimals.
func successRate(success, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(success)/float64(total)*100) / 100
}

// Median returns the midpoint of the sorted values; on even counts the
// two middle values are averaged and floored. Nil for empty input.
func Median(values []int64) *int64 {
	if len(values) == 0 {
		return nil
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	var m int64
	if len(sorted)%2 == 1 {
		m = sorted[mid]
	} else {
		m = (sorted[mid-1] + sorted[mid]) / 2
	}
	return &m
}
