package scoring

import (
	"time"

	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/types"
)

// Fuzzy scores with soft threshold memberships instead of hard cutoffs.
// It is the only scorer that reads the per-client urgency_threshold and
// complexity_preference knobs; the baseline ignores them until their
// semantics are pinned down further.
type Fuzzy struct{}

func (Fuzzy) Score(t *types.Task, cfg *config.Config, now time.Time) float64 {
	base, f := BaselineScore(t, cfg, now)
	client := cfg.ClientOr(t.Client)

	// Urgency membership: how far past the client's urgency threshold the
	// task sits, ramped over the remaining headroom.
	var urgencyBoost float64
	if thr := client.UrgencyThreshold; thr > 0 && f.Urgency > thr {
		urgencyBoost = 0.1 * (f.Urgency - thr) / (1 - thr + 1e-9)
	}

	// Complexity preference: a small nudge for tasks matching the bucket
	// the client prefers to see scheduled.
	var complexityBoost float64
	if pref := client.ComplexityPreference; pref != "" &&
		pref == string(complexityLevel(t.EffortHours)) {
		complexityBoost = 0.05
	}

	return clamp01(base + urgencyBoost + complexityBoost)
}

// HistoryStats summarizes past completion performance per bucket. Neutral
// (empty) stats leave the history scorer equal to the baseline.
type HistoryStats struct {
	SuccessByUrgency    map[types.UrgencyLevel]float64
	SuccessByComplexity map[types.ComplexityLevel]float64
}

// History weights the baseline by how reliably similar tasks completed on
// time: buckets with a poor record score slightly higher (they need the
// head start), buckets with a strong record slightly lower.
type History struct {
	Stats HistoryStats
}

func (h History) Score(t *types.Task, cfg *config.Config, now time.Time) float64 {
	base, _ := BaselineScore(t, cfg, now)

	adj := 0.0
	if r, ok := h.Stats.SuccessByUrgency[urgencyLevel(t, now)]; ok {
		adj += (0.5 - r) * 0.1
	}
	if r, ok := h.Stats.SuccessByComplexity[complexityLevel(t.EffortHours)]; ok {
		adj += (0.5 - r) * 0.1
	}
	return clamp01(base + adj)
}

// Ensemble combines baseline, fuzzy, and history scorers with fixed
// weights (default 0.40/0.35/0.25). Weights come from config and may be
// adapted offline; the combination itself stays pure.
type Ensemble struct {
	weights []float64
	scorers []Scorer
}

// NewEnsemble builds the three-scorer ensemble. weights must have three
// entries ordered (baseline, fuzzy, history); config validation enforces
// the length.
func NewEnsemble(weights []float64) *Ensemble {
	return &Ensemble{
		weights: weights,
		scorers: []Scorer{Baseline{}, Fuzzy{}, History{}},
	}
}

func (e *Ensemble) Score(t *types.Task, cfg *config.Config, now time.Time) float64 {
	var sum, wsum float64
	for i, s := range e.scorers {
		sum += e.weights[i] * s.Score(t, cfg, now)
		wsum += e.weights[i]
	}
	if wsum == 0 {
		return 0
	}
	return clamp01(sum / wsum)
}
