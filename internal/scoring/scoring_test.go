package scoring

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/types"
)

var now = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func newTask(mut func(*types.Task)) *types.Task {
	t := &types.Task{
		ID:          "tsk_1",
		Title:       "t",
		Client:      "acme",
		Type:        "general",
		Importance:  3,
		EffortHours: 2,
		Status:      types.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if mut != nil {
		mut(t)
	}
	return t
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBaselineScore_KnownFactorValues(t *testing.T) {
	cfg := config.Default()
	task := newTask(nil) // fresh, no deadline, importance 3, 2h effort

	score, f := BaselineScore(task, cfg, now)

	if f.Urgency != 0 {
		t.Fatalf("urgency = %v, want 0 without a deadline", f.Urgency)
	}
	if !almostEqual(f.Importance, 0.5) {
		t.Fatalf("importance = %v, want 0.5 for level 3", f.Importance)
	}
	if !almostEqual(f.Effort, 0.75) {
		t.Fatalf("effort = %v, want 0.75 for 2h under 8h cap", f.Effort)
	}
	if !almostEqual(f.Freshness, 1) {
		t.Fatalf("freshness = %v, want 1 for brand-new task", f.Freshness)
	}
	// 0.25·0.5 + 0.15·0.75 + 0.10·1 + 0.05·1
	if !almostEqual(score, 0.3875) {
		t.Fatalf("score = %v, want 0.3875", score)
	}
}

func TestUrgency_MonotonicInHoursToDeadline(t *testing.T) {
	cfg := config.Default()
	prev := math.Inf(1)
	for _, hrs := range []float64{400, 336, 168, 72, 24, 4, 1, 0.5} {
		dl := now.Add(time.Duration(hrs * float64(time.Hour)))
		u := Urgency(newTask(func(tk *types.Task) { tk.Deadline = &dl }), cfg.Scoring.UrgencyHorizonHours, now)
		if u > prev {
			t.Fatalf("urgency rose from %v as deadline moved closer (%vh)", prev, hrs)
		}
		if u < 0 || u > 1 {
			t.Fatalf("urgency %v out of range at %vh", u, hrs)
		}
		prev = u
	}

	overdue := now.Add(-time.Hour)
	if u := Urgency(newTask(func(tk *types.Task) { tk.Deadline = &overdue }), cfg.Scoring.UrgencyHorizonHours, now); u != 1 {
		t.Fatalf("overdue urgency = %v, want 1", u)
	}
}

func TestBaselineScore_NearerDeadlineOutranksFartherOne(t *testing.T) {
	cfg := config.Default()
	near := now.Add(6 * time.Hour)
	far := now.Add(72 * time.Hour)
	a := newTask(func(tk *types.Task) { tk.ID = "tsk_a"; tk.Deadline = &near })
	b := newTask(func(tk *types.Task) { tk.ID = "tsk_b"; tk.Deadline = &far })

	scoreA, fA := BaselineScore(a, cfg, now)
	scoreB, fB := BaselineScore(b, cfg, now)
	if scoreA <= scoreB {
		t.Fatalf("score(6h)=%v not above score(72h)=%v", scoreA, scoreB)
	}
	// (72-6)/336 over the linear ramp
	if d := fA.Urgency - fB.Urgency; math.Abs(d-66.0/336.0) > 1e-9 {
		t.Fatalf("urgency delta = %v, want %v", d, 66.0/336.0)
	}
}

func TestSLAPressure_ConsumesWindow(t *testing.T) {
	task := newTask(func(tk *types.Task) { tk.CreatedAt = now.Add(-36 * time.Hour) })
	if p := SLAPressure(task, 72, now); !almostEqual(p, 0.5) {
		t.Fatalf("pressure = %v at half window, want 0.5", p)
	}
	exhausted := newTask(func(tk *types.Task) { tk.CreatedAt = now.Add(-100 * time.Hour) })
	if p := SLAPressure(exhausted, 72, now); p != 1 {
		t.Fatalf("pressure = %v past window, want 1", p)
	}
}

func TestBaselineScore_DeterministicAcrossCalls(t *testing.T) {
	cfg := config.Default()
	dl := now.Add(30 * time.Hour)
	task := newTask(func(tk *types.Task) {
		tk.Deadline = &dl
		tk.RecentProgress = 0.4
	})
	first, _ := BaselineScore(task, cfg, now)
	for i := 0; i < 5; i++ {
		again, _ := BaselineScore(task, cfg, now)
		if again != first {
			t.Fatalf("score changed across calls: %v vs %v", again, first)
		}
	}
}

func TestLess_TieBreakChain(t *testing.T) {
	a := newTask(func(tk *types.Task) { tk.ID = "tsk_a" })
	b := newTask(func(tk *types.Task) { tk.ID = "tsk_b" })

	// Equal scores, equal created_at: id decides.
	if !Less(a, b, 0.5, 0.5, now) || Less(b, a, 0.5, 0.5, now) {
		t.Fatal("id tie-break not applied")
	}

	// A deadline beats no deadline at equal score.
	dl := now.Add(48 * time.Hour)
	b.Deadline = &dl
	if Less(a, b, 0.5, 0.5, now) {
		t.Fatal("task without deadline ranked above one with deadline")
	}

	// Score dominates everything.
	if !Less(a, b, 0.6, 0.5, now) {
		t.Fatal("higher score did not win")
	}
}

func TestFuzzy_UrgencyThresholdBoostsOnlyAboveThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.Clients["acme"] = config.Client{
		SLAHours: 72, DailyCapacityHours: 4, UrgencyThreshold: 0.5,
	}

	far := now.Add(300 * time.Hour) // urgency ≈ 0.107, below threshold
	calm := newTask(func(tk *types.Task) { tk.Deadline = &far })
	baseCalm, _ := BaselineScore(calm, cfg, now)
	if got := (Fuzzy{}).Score(calm, cfg, now); !almostEqual(got, baseCalm) {
		t.Fatalf("below-threshold fuzzy score %v differs from baseline %v", got, baseCalm)
	}

	soon := now.Add(24 * time.Hour) // urgency ≈ 0.929, above threshold
	hot := newTask(func(tk *types.Task) { tk.Deadline = &soon })
	baseHot, _ := BaselineScore(hot, cfg, now)
	if got := (Fuzzy{}).Score(hot, cfg, now); got <= baseHot {
		t.Fatalf("above-threshold fuzzy score %v not boosted over baseline %v", got, baseHot)
	}
}

func TestHistory_PoorRecordBucketsScoreHigher(t *testing.T) {
	cfg := config.Default()
	task := newTask(nil)
	base, _ := BaselineScore(task, cfg, now)

	poor := History{Stats: HistoryStats{
		SuccessByComplexity: map[types.ComplexityLevel]float64{types.ComplexityModerate: 0.1},
	}}
	strong := History{Stats: HistoryStats{
		SuccessByComplexity: map[types.ComplexityLevel]float64{types.ComplexityModerate: 0.9},
	}}
	if got := poor.Score(task, cfg, now); got <= base {
		t.Fatalf("poor-record score %v not above baseline %v", got, base)
	}
	if got := strong.Score(task, cfg, now); got >= base {
		t.Fatalf("strong-record score %v not below baseline %v", got, base)
	}
}

func TestEnsemble_StaysInUnitRange(t *testing.T) {
	cfg := config.Default()
	cfg.Scoring.Mode = "ensemble"
	e := NewEnsemble(cfg.Scoring.EnsembleWeights)

	for i, hrs := range []float64{-10, 0.5, 24, 336, 1000} {
		dl := now.Add(time.Duration(hrs * float64(time.Hour)))
		task := newTask(func(tk *types.Task) {
			tk.ID = fmt.Sprintf("tsk_%d", i)
			tk.Deadline = &dl
			tk.Importance = 5
		})
		if s := e.Score(task, cfg, now); s < 0 || s > 1 {
			t.Fatalf("ensemble score %v out of [0,1] at %vh", s, hrs)
		}
	}
}

func TestMeta_Buckets(t *testing.T) {
	dl := now.Add(2 * time.Hour)
	task := newTask(func(tk *types.Task) {
		tk.Deadline = &dl
		tk.EffortHours = 12
	})
	m := Meta(task, now, "baseline")
	if m.Urgency != types.UrgencyCritical {
		t.Fatalf("urgency bucket = %s, want critical", m.Urgency)
	}
	if m.Complexity != types.ComplexityComplex {
		t.Fatalf("complexity bucket = %s, want complex", m.Complexity)
	}
}
