// Package experiment implements tenant-scoped A/B tests: experiment
// lifecycle, deterministic variant assignment, and results aggregation
// with a simple winner heuristic.
package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/runger/cliscope/internal/storage"
)

// Winner heuristic thresholds: both leading variants need a minimum
// sample, and the rate gap must be material before a winner is called.
const (
	minWinnerEvents = 30
	minWinnerGapPct = 5.0
)

// CreateInput is the request shape for creating an experiment.
type CreateInput struct {
	Name           string   `json:"name" validate:"required"`
	Description    *string  `json:"description,omitempty"`
	Variants       []string `json:"variants,omitempty"`
	TargetCommands []string `json:"target_commands,omitempty"`
	TrafficPct     *int     `json:"traffic_pct,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// Info is the public view of an experiment.
type Info struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Variants []string `json:"variants"`
	IsActive bool     `json:"is_active"`
}

// Assignment is the variant resolved for one actor.
type Assignment struct {
	Experiment  string `json:"experiment"`
	Variant     string `json:"variant"`
	ActorIDHash string `json:"actor_id_hash"`
}

// VariantResult aggregates one variant's events.
type VariantResult struct {
	Events        int     `json:"events"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs *int64  `json:"avg_duration_ms"`
}

// Results is the experiment outcome summary.
type Results struct {
	Experiment string                   `json:"experiment"`
	Variants   map[string]VariantResult `json:"variants"`
	Winner     *string                  `json:"winner"`
	Confidence *float64                 `json:"confidence"`
}

// Service runs experiment operations against one store.
type Service struct {
	store storage.Store
}

// New creates a Service.
func New(store storage.Store) *Service {
	return &Service{store: store}
}

// Create registers a new experiment for a tenant. Returns
// storage.ErrDuplicate when the name is taken.
func (s *Service) Create(ctx context.Context, toolName string, input *CreateInput) (*Info, error) {
	if input.Name == "" {
		return nil, errors.New("name is required")
	}
	variants := input.Variants
	if len(variants) == 0 {
		variants = []string{"control", "variant_a"}
	}
	trafficPct := 100
	if input.TrafficPct != nil {
		trafficPct = *input.TrafficPct
	}
	if trafficPct < 0 || trafficPct > 100 {
		return nil, fmt.Errorf("traffic_pct must be between 0 and 100, got %d", trafficPct)
	}

	exp := &storage.Experiment{
		ToolName:       toolName,
		Name:           input.Name,
		Description:    input.Description,
		Variants:       variants,
		TargetCommands: input.TargetCommands,
		TrafficPct:     trafficPct,
		IsActive:       true,
		CreatedAtMs:    time.Now().UnixMilli(),
	}
	if err := s.store.CreateExperiment(ctx, exp); err != nil {
		return nil, err
	}
	return info(exp), nil
}

// List returns all of a tenant's experiments.
func (s *Service) List(ctx context.Context, toolName string) ([]Info, error) {
	exps, err := s.store.ListExperiments(ctx, toolName)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(exps))
	for i := range exps {
		out = append(out, *info(&exps[i]))
	}
	return out, nil
}

// Stop deactivates an experiment. Assignment lookups on a stopped
// experiment return storage.ErrNotFound; results remain queryable.
func (s *Service) Stop(ctx context.Context, toolName, name string) error {
	return s.store.StopExperiment(ctx, toolName, name)
}

// Variant resolves the stable variant for an actor. The first call for
// an (experiment, actor) pair writes an assignment; later calls return
// the stored variant regardless of configuration changes.
func (s *Service) Variant(ctx context.Context, toolName, name, actorID string) (*Assignment, error) {
	exp, err := s.store.GetExperiment(ctx, toolName, name)
	if err != nil {
		return nil, err
	}
	if !exp.IsActive {
		return nil, storage.ErrNotFound
	}

	actorHash := HashActorID(actorID)

	existing, err := s.store.GetAssignment(ctx, exp.ID, actorHash)
	if err == nil {
		return &Assignment{Experiment: name, Variant: existing.Variant, ActorIDHash: actorHash}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	variant, err := pickVariant(actorHash, exp.Variants)
	if err != nil {
		return nil, err
	}

	assignment := &storage.VariantAssignment{
		ExperimentID: exp.ID,
		ActorIDHash:  actorHash,
		Variant:      variant,
		AssignedAtMs: time.Now().UnixMilli(),
	}
	err = s.store.CreateAssignment(ctx, assignment)
	if errors.Is(err, storage.ErrDuplicate) {
		// Lost a race; the stored variant wins.
		existing, err := s.store.GetAssignment(ctx, exp.ID, actorHash)
		if err != nil {
			return nil, err
		}
		return &Assignment{Experiment: name, Variant: existing.Variant, ActorIDHash: actorHash}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Assignment{Experiment: name, Variant: variant, ActorIDHash: actorHash}, nil
}

// Results aggregates per-variant event stats and applies the winner
// heuristic.
func (s *Service) Results(ctx context.Context, toolName, name string) (*Results, error) {
	exp, err := s.store.GetExperiment(ctx, toolName, name)
	if err != nil {
		return nil, err
	}

	res := &Results{Experiment: name, Variants: make(map[string]VariantResult, len(exp.Variants))}
	for _, variant := range exp.Variants {
		stats, err := s.store.VariantEventStats(ctx, toolName, exp.ID, variant)
		if err != nil {
			return nil, err
		}
		vr := VariantResult{Events: stats.Events, AvgDurationMs: stats.AvgDurationMs}
		if stats.Events > 0 {
			vr.SuccessRate = math.Round(float64(stats.SuccessCount)/float64(stats.Events)*10000) / 100
		}
		res.Variants[variant] = vr
	}

	if winner, confidence, ok := pickWinner(exp.Variants, res.Variants); ok {
		res.Winner = &winner
		res.Confidence = &confidence
	}
	return res, nil
}

// pickWinner sorts variants by success rate and declares a winner when
// the top two are well-sampled and clearly separated.
func pickWinner(order []string, results map[string]VariantResult) (string, float64, bool) {
	if len(order) < 2 {
		return "", 0, false
	}
	ranked := make([]string, len(order))
	copy(ranked, order)
	sort.SliceStable(ranked, func(i, j int) bool {
		return results[ranked[i]].SuccessRate > results[ranked[j]].SuccessRate
	})

	top, second := results[ranked[0]], results[ranked[1]]
	if top.Events < minWinnerEvents || second.Events < minWinnerEvents {
		return "", 0, false
	}
	diff := top.SuccessRate - second.SuccessRate
	if diff <= minWinnerGapPct {
		return "", 0, false
	}
	confidence := 0.5 + diff/100
	if confidence > 0.95 {
		confidence = 0.95
	}
	return ranked[0], confidence, true
}

// HashActorID hashes a raw actor id for variant bucketing: the first 16
// hex characters of an unsalted SHA-256. Unsalted so the same actor
// lands in the same bucket across deployments.
func HashActorID(actorID string) string {
	sum := sha256.Sum256([]byte(actorID))
	return hex.EncodeToString(sum[:])[:16]
}

// pickVariant maps an actor hash onto a variant deterministically.
func pickVariant(actorHash string, variants []string) (string, error) {
	if len(variants) == 0 {
		return "", errors.New("experiment has no variants")
	}
	h, err := strconv.ParseUint(actorHash, 16, 64)
	if err != nil {
		return "", fmt.Errorf("invalid actor hash %q: %w", actorHash, err)
	}
	return variants[h%uint64(len(variants))], nil
}

func info(exp *storage.Experiment) *Info {
	return &Info{ID: exp.ID, Name: exp.Name, Variants: exp.Variants, IsActive: exp.IsActive}
}
