// Package planner builds the daily ordered worklist. A rebalance is a pure
// function of the open task set, the rules, and the clock: rescore every
// candidate, adjust for client fairness and staleness, sort, and greedily
// pack under the global hour budget and per-client caps. Every pairwise
// rank flip caused by the adjustments is explained in a decision trace.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/taskwire/taskwire/internal/clock"
	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/scoring"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/types"
)

const (
	fairnessAlpha  = 0.1
	fairnessClamp  = 0.1
	stalenessBoost = 0.05
	fairnessWindow = 7 * 24 * time.Hour

	// Urgent tasks bypass their client's daily cap (never the global budget).
	urgentDeadlineHours = 24
	urgentSLAPressure   = 0.9
)

// Request selects what to plan.
type Request struct {
	Hours  float64 // global budget; <= 0 uses the configured default
	Client string  // optional: plan a single client's queue
}

// Planner computes and persists day plans.
type Planner struct {
	st     store.Store
	cfg    *config.Config
	clk    clock.Clock
	scorer scoring.Scorer
	log    *zap.Logger
}

// New builds a planner over the loaded rules.
func New(st store.Store, cfg *config.Config, clk clock.Clock, log *zap.Logger) *Planner {
	return &Planner{st: st, cfg: cfg, clk: clk, scorer: scoring.ForMode(cfg), log: log}
}

// candidate carries one task through the pipeline.
type candidate struct {
	task     *types.Task
	factors  scoring.Factors
	base     float64
	fairness float64
	stale    float64
	adjusted float64
	urgent   bool
}

// Rebalance computes, persists, and returns the plan and its traces.
func (p *Planner) Rebalance(ctx context.Context, req Request) (*types.Plan, []types.DecisionTrace, error) {
	now := p.clk.Now()
	hours := req.Hours
	if hours <= 0 {
		hours = p.cfg.Scheduler.RebalanceHours
	}

	cands, err := p.candidates(ctx, req.Client, now)
	if err != nil {
		return nil, nil, err
	}

	deficits, err := p.fairnessDeficits(ctx, now)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range cands {
		c.fairness = fairnessAlpha * clamp(deficits[c.task.Client], -fairnessClamp, fairnessClamp)
		if now.Sub(c.task.LastActivityAt) > p.staleThreshold() {
			c.stale = stalenessBoost
		}
		c.adjusted = clamp(c.base+c.fairness+c.stale, 0, 1)
	}

	baseOrder := rankOrder(cands, func(c *candidate) float64 { return c.base }, now)
	adjOrder := rankOrder(cands, func(c *candidate) float64 { return c.adjusted }, now)

	sessionID := uuid.NewString()
	plan, packed := p.pack(adjOrder, hours, sessionID, now)
	traces := p.traces(baseOrder, packed, sessionID, now)

	if err := p.persist(ctx, plan, traces, now); err != nil {
		return nil, nil, err
	}
	p.log.Info("plan computed",
		zap.String("session_id", sessionID),
		zap.Int("candidates", len(cands)),
		zap.Int("planned", len(plan.Entries)),
		zap.Float64("hours", hours))
	return plan, traces, nil
}

// candidates loads and scores the plannable tasks: pending or in progress,
// not held for review.
func (p *Planner) candidates(ctx context.Context, client string, now time.Time) ([]*candidate, error) {
	open, err := p.st.ListOpenTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	var out []*candidate
	for _, t := range open {
		if t.Status != types.StatusPending && t.Status != types.StatusInProgress {
			continue
		}
		if t.RequiresReview {
			continue
		}
		if client != "" && t.Client != client {
			continue
		}
		c := &candidate{task: t}
		c.base = p.scorer.Score(t, p.cfg, now)
		_, c.factors = scoring.BaselineScore(t, p.cfg, now)
		c.urgent = p.isUrgent(t, now)
		out = append(out, c)
	}
	return out, nil
}

// fairnessDeficits compares each client's completed-effort share over the
// window against its target share. Positive deficit means underserved.
func (p *Planner) fairnessDeficits(ctx context.Context, now time.Time) (map[string]float64, error) {
	effort, err := p.st.CompletedEffortByClient(ctx, now.Add(-fairnessWindow))
	if err != nil {
		return nil, fmt.Errorf("completed effort: %w", err)
	}
	total := lo.Sum(lo.Values(effort))
	out := make(map[string]float64)
	if total == 0 {
		return out, nil
	}
	for name := range p.cfg.Clients {
		out[name] = p.cfg.Clients[name].TargetShare - effort[name]/total
	}
	for name, done := range effort {
		if _, known := out[name]; !known {
			out[name] = p.cfg.ClientOr(name).TargetShare - done/total
		}
	}
	return out, nil
}

func (p *Planner) isUrgent(t *types.Task, now time.Time) bool {
	if hrs, ok := t.HoursToDeadline(now); ok && hrs < urgentDeadlineHours {
		return true
	}
	return scoring.SLAPressure(t, p.cfg.ClientOr(t.Client).SLAHours, now) > urgentSLAPressure
}

func (p *Planner) staleThreshold() time.Duration {
	return time.Duration(p.cfg.Scheduler.StaleThresholdHours * float64(time.Hour))
}

// rankOrder returns candidates sorted by the given score, deterministic
// under the shared tie-break chain.
func rankOrder(cands []*candidate, score func(*candidate) float64, now time.Time) []*candidate {
	out := make([]*candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		return scoring.Less(out[i].task, out[j].task, score(out[i]), score(out[j]), now)
	})
	return out
}

// pack walks the ranked candidates and admits each task that fits: always
// within the remaining global budget, and within its client's daily cap
// unless the task is urgent. Oversized tasks are skipped, not blocking.
func (p *Planner) pack(ranked []*candidate, hours float64, sessionID string, now time.Time) (*types.Plan, []*candidate) {
	plan := &types.Plan{SessionID: sessionID, GeneratedAt: now, AvailableHours: hours}
	remaining := hours
	usedByClient := make(map[string]float64)
	var packed []*candidate

	for _, c := range ranked {
		effort := c.task.EffortHours
		if effort > remaining {
			continue
		}
		if !c.urgent {
			if dayCap := p.cfg.ClientOr(c.task.Client).DailyCapacityHours; dayCap > 0 &&
				usedByClient[c.task.Client]+effort > dayCap {
				continue
			}
		}
		remaining -= effort
		usedByClient[c.task.Client] += effort
		packed = append(packed, c)
		plan.Entries = append(plan.Entries, types.PlanEntry{
			TaskID:        c.task.ID,
			Client:        c.task.Client,
			EffortHours:   effort,
			BaseScore:     c.base,
			AdjustedScore: c.adjusted,
			Rank:          len(plan.Entries) + 1,
		})
	}
	return plan, packed
}

// traces explains the final ordering: one trace per adjacent pair of the
// plan, carrying the raw per-factor deltas that rank the upper task above
// the lower one. RankOld is the task's position under base scores alone, so
// a rank move shows which adjustment (fairness, staleness) caused it.
func (p *Planner) traces(baseOrder, packed []*candidate, sessionID string, now time.Time) []types.DecisionTrace {
	baseRank := make(map[string]int, len(baseOrder))
	for i, c := range baseOrder {
		baseRank[c.task.ID] = i
	}

	var out []types.DecisionTrace
	for i := 0; i+1 < len(packed); i++ {
		a, b := packed[i], packed[i+1]
		out = append(out, types.DecisionTrace{
			SessionID:      sessionID,
			TaskA:          a.task.ID,
			TaskB:          b.task.ID,
			DeltaUrgency:   a.factors.Urgency - b.factors.Urgency,
			DeltaSLA:       a.factors.SLAPressure - b.factors.SLAPressure,
			DeltaStaleness: a.stale - b.stale,
			DeltaFairness:  a.fairness - b.fairness,
			DeltaTotal:     a.adjusted - b.adjusted,
			RankOld:        baseRank[a.task.ID] + 1,
			RankNew:        i + 1,
			Rationale: fmt.Sprintf("%s ranked above %s: urgency %+0.4f, sla %+0.4f, fairness %+0.4f, staleness %+0.4f",
				a.task.ID, b.task.ID,
				a.factors.Urgency-b.factors.Urgency, a.factors.SLAPressure-b.factors.SLAPressure,
				a.fairness-b.fairness, a.stale-b.stale),
			CreatedAt: now,
		})
	}
	return out
}

func (p *Planner) persist(ctx context.Context, plan *types.Plan, traces []types.DecisionTrace, now time.Time) error {
	if err := p.st.SavePlan(ctx, plan); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	if err := p.st.AppendTraces(ctx, traces); err != nil {
		return fmt.Errorf("save traces: %w", err)
	}
	detail, _ := json.Marshal(map[string]any{
		"entries": len(plan.Entries),
		"hours":   plan.AvailableHours,
		"planned": plan.TotalEffort(),
	})
	return p.st.AppendAudit(ctx, types.AuditEvent{
		EventType: types.AuditPlanComputed,
		SessionID: plan.SessionID,
		Detail:    detail,
		CreatedAt: now,
	})
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
