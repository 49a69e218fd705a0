// Package scoring computes task priority scores. All scorers are pure
// functions of (task, rules, now): same inputs, same score, across
// restarts. The baseline scorer is a weighted sum of six normalized
// factors; the ensemble layer adds a fuzzy-threshold scorer and a
// history-weighted scorer behind the same interface.
package scoring

import (
	"math"
	"time"

	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/types"
)

// Factors is the per-factor breakdown of a baseline score, kept so the
// planner can emit per-factor deltas in decision traces.
type Factors struct {
	Urgency     float64 `json:"urgency"`
	Importance  float64 `json:"importance"`
	Effort      float64 `json:"effort"`
	Freshness   float64 `json:"freshness"`
	SLAPressure float64 `json:"sla_pressure"`
	ProgressInv float64 `json:"progress_inv"`
}

// Scorer scores one task at one instant.
type Scorer interface {
	Score(t *types.Task, cfg *config.Config, now time.Time) float64
}

// Baseline is the deterministic weighted-sum scorer.
type Baseline struct{}

// Score returns the baseline score in [0,1].
func (Baseline) Score(t *types.Task, cfg *config.Config, now time.Time) float64 {
	s, _ := BaselineScore(t, cfg, now)
	return s
}

// BaselineScore computes the weighted sum and its factor breakdown.
//
//	score = w_u·urgency + w_i·importance_norm + w_e·effort_factor
//	      + w_f·freshness + w_s·sla_pressure + w_p·progress_inv
func BaselineScore(t *types.Task, cfg *config.Config, now time.Time) (float64, Factors) {
	sc := cfg.Scoring
	client := cfg.ClientOr(t.Client)

	f := Factors{
		Urgency:     Urgency(t, sc.UrgencyHorizonHours, now),
		Importance:  float64(t.Importance-1) / 4.0,
		Effort:      1 - clamp01(t.EffortHours/sc.EffortCapHours),
		Freshness:   math.Exp(-t.AgeHours(now) / sc.FreshnessTauHours),
		SLAPressure: SLAPressure(t, client.SLAHours, now),
		ProgressInv: 1 - math.Min(t.RecentProgress, 1),
	}

	w := sc.Weights
	score := w.Urgency*f.Urgency +
		w.Importance*f.Importance +
		w.Effort*f.Effort +
		w.Freshness*f.Freshness +
		w.SLA*f.SLAPressure +
		w.Progress*f.ProgressInv
	return clamp01(score), f
}

// Urgency is clamp(1 − hours_to_deadline/horizon, 0, 1). Continuous and
// monotonic decreasing in hours_to_deadline; tasks without a deadline
// take urgency 0, overdue tasks take 1.
func Urgency(t *types.Task, horizonHours float64, now time.Time) float64 {
	hrs, ok := t.HoursToDeadline(now)
	if !ok {
		return 0
	}
	if hrs <= 0 {
		return 1
	}
	return clamp01(1 - hrs/horizonHours)
}

// SLAPressure is the fraction of the client's SLA window already consumed.
func SLAPressure(t *types.Task, slaHours float64, now time.Time) float64 {
	elapsed := t.AgeHours(now)
	left := math.Max(0, slaHours-elapsed)
	return clamp01(1 - left/slaHours)
}

// Meta derives the urgency and complexity buckets for a task.
func Meta(t *types.Task, now time.Time, method string) types.ScoreMeta {
	return types.ScoreMeta{
		Urgency:       urgencyLevel(t, now),
		Complexity:    complexityLevel(t.EffortHours),
		ScoringMethod: method,
	}
}

func urgencyLevel(t *types.Task, now time.Time) types.UrgencyLevel {
	hrs, ok := t.HoursToDeadline(now)
	if !ok {
		return types.UrgencyLow
	}
	switch {
	case hrs < 4:
		return types.UrgencyCritical
	case hrs < 24:
		return types.UrgencyHigh
	case hrs < 7*24:
		return types.UrgencyMedium
	default:
		return types.UrgencyLow
	}
}

func complexityLevel(effortHours float64) types.ComplexityLevel {
	switch {
	case effortHours < 2:
		return types.ComplexitySimple
	case effortHours <= 8:
		return types.ComplexityModerate
	case effortHours <= 24:
		return types.ComplexityComplex
	default:
		return types.ComplexityEpic
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ForMode returns the scorer selected by cfg.Scoring.Mode.
func ForMode(cfg *config.Config) Scorer {
	if cfg.Scoring.Mode == "ensemble" {
		return NewEnsemble(cfg.Scoring.EnsembleWeights)
	}
	return Baseline{}
}

// Less orders tasks for planning: higher score first, then nearer deadline,
// then older created_at, then id. Deterministic for any fixed input set.
func Less(a, b *types.Task, scoreA, scoreB float64, now time.Time) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	ha, okA := a.HoursToDeadline(now)
	hb, okB := b.HoursToDeadline(now)
	switch {
	case okA && okB && ha != hb:
		return ha < hb
	case okA != okB:
		return okA // a deadline beats no deadline
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
