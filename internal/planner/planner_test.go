package planner

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/taskwire/taskwire/internal/clock"
	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/types"
)

var testNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Clients["acme"] = config.Client{
		SLAHours: 200, DailyCapacityHours: 3, TargetShare: 0.5,
	}
	cfg.Clients["globex"] = config.Client{
		SLAHours: 200, DailyCapacityHours: 3, TargetShare: 0.5,
	}
	return cfg
}

func newPlanner(t *testing.T, cfg *config.Config, st *store.Memory) *Planner {
	t.Helper()
	return New(st, cfg, clock.NewFake(testNow), zaptest.NewLogger(t))
}

func seedOpen(t *testing.T, st *store.Memory, id, client string, effort float64, mut func(*types.Task)) {
	t.Helper()
	task := &types.Task{
		ID: id, Title: id, Client: client, Type: "general",
		Importance: 3, EffortHours: effort, Status: types.StatusPending,
		CreatedAt: testNow.Add(-time.Hour), UpdatedAt: testNow.Add(-time.Hour),
		LastActivityAt: testNow.Add(-time.Hour),
	}
	if mut != nil {
		mut(task)
	}
	if err := st.SaveTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
}

func seedCompleted(t *testing.T, st *store.Memory, id, client string, effort float64) {
	t.Helper()
	err := st.SaveTask(context.Background(), &types.Task{
		ID: id, Client: client, Status: types.StatusCompleted,
		EffortHours: effort, UpdatedAt: testNow.Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRebalance_RespectsGlobalAndClientBudgets(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	for _, id := range []string{"tsk_a1", "tsk_a2", "tsk_a3"} {
		seedOpen(t, st, id, "acme", 2, nil)
	}
	seedOpen(t, st, "tsk_g1", "globex", 2, nil)
	seedOpen(t, st, "tsk_g2", "globex", 2, nil)

	plan, _, err := newPlanner(t, cfg, st).Rebalance(context.Background(), Request{Hours: 6})
	if err != nil {
		t.Fatal(err)
	}

	if plan.TotalEffort() > 6 {
		t.Fatalf("planned %vh over the 6h budget", plan.TotalEffort())
	}
	byClient := make(map[string]float64)
	for _, e := range plan.Entries {
		byClient[e.Client] += e.EffortHours
	}
	for client, used := range byClient {
		if used > 3 {
			t.Fatalf("client %s planned %vh over its 3h cap", client, used)
		}
	}
	// One task per client: a second 2h task would take either client to 4h,
	// past its 3h cap.
	if len(plan.Entries) != 2 {
		t.Fatalf("planned %d entries, want 2: %+v", len(plan.Entries), plan.Entries)
	}
}

func TestRebalance_OversizedTaskSkippedNotBlocking(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	// Highest-importance task is too big for the budget; smaller ones behind
	// it must still be admitted.
	seedOpen(t, st, "tsk_big", "acme", 10, func(tk *types.Task) { tk.Importance = 5 })
	seedOpen(t, st, "tsk_small", "globex", 2, nil)

	plan, _, err := newPlanner(t, cfg, st).Rebalance(context.Background(), Request{Hours: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Entries) != 1 || plan.Entries[0].TaskID != "tsk_small" {
		t.Fatalf("entries = %+v, want only tsk_small", plan.Entries)
	}
}

func TestRebalance_FairnessFlipsEqualScores(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	// acme got 80% of the last week's effort; globex got 20%.
	seedCompleted(t, st, "tsk_done_a", "acme", 8)
	seedCompleted(t, st, "tsk_done_g", "globex", 2)

	// Identical open tasks; id order alone would put acme first.
	seedOpen(t, st, "tsk_a", "acme", 2, nil)
	seedOpen(t, st, "tsk_g", "globex", 2, nil)

	plan, traces, err := newPlanner(t, cfg, st).Rebalance(context.Background(), Request{Hours: 6})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Entries) != 2 {
		t.Fatalf("entries = %+v", plan.Entries)
	}
	if plan.Entries[0].TaskID != "tsk_g" {
		t.Fatalf("underserved client not ranked first: %+v", plan.Entries)
	}

	if len(traces) != 1 {
		t.Fatalf("traces = %+v, want one for the single adjacent pair", traces)
	}
	tr := traces[0]
	if tr.TaskA != "tsk_g" || tr.TaskB != "tsk_a" {
		t.Fatalf("trace pair = %s over %s", tr.TaskA, tr.TaskB)
	}
	if tr.DeltaFairness <= 0 {
		t.Fatalf("fairness delta = %v, want positive", tr.DeltaFairness)
	}
	if tr.RankOld != 2 || tr.RankNew != 1 {
		t.Fatalf("ranks = %d→%d, want 2→1", tr.RankOld, tr.RankNew)
	}
}

func TestRebalance_TracesExplainDeadlineOrdering(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	cfg.Clients["acme"] = config.Client{SLAHours: 200, DailyCapacityHours: 8, TargetShare: 0.5}

	// Identical tasks except the deadline: 6h out versus 72h out.
	nearDl := testNow.Add(6 * time.Hour)
	farDl := testNow.Add(72 * time.Hour)
	seedOpen(t, st, "tsk_a", "acme", 2, func(tk *types.Task) { tk.Deadline = &nearDl })
	seedOpen(t, st, "tsk_b", "acme", 2, func(tk *types.Task) { tk.Deadline = &farDl })

	plan, traces, err := newPlanner(t, cfg, st).Rebalance(context.Background(), Request{Hours: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Entries) != 2 || plan.Entries[0].TaskID != "tsk_a" {
		t.Fatalf("entries = %+v, want tsk_a first", plan.Entries)
	}

	if len(traces) != 1 {
		t.Fatalf("traces = %+v, want one for the ordered pair", traces)
	}
	tr := traces[0]
	if tr.TaskA != "tsk_a" || tr.TaskB != "tsk_b" {
		t.Fatalf("trace pair = %s over %s", tr.TaskA, tr.TaskB)
	}
	// (72-6)/336 over the linear urgency ramp, unweighted.
	if math.Abs(tr.DeltaUrgency-66.0/336.0) > 1e-6 {
		t.Fatalf("urgency delta = %v, want %v", tr.DeltaUrgency, 66.0/336.0)
	}
	if tr.DeltaTotal <= 0 {
		t.Fatalf("total delta = %v, want positive for the higher-ranked task", tr.DeltaTotal)
	}
}

func TestRebalance_StalenessBoostFlipsEqualScores(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	seedOpen(t, st, "tsk_fresh", "acme", 1, nil)
	seedOpen(t, st, "tsk_idle", "acme", 1, func(tk *types.Task) {
		tk.ID = "tsk_z_idle" // sorts after tsk_fresh on ties
		tk.LastActivityAt = testNow.Add(-100 * time.Hour)
	})

	plan, _, err := newPlanner(t, cfg, st).Rebalance(context.Background(), Request{Hours: 3})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Entries[0].TaskID != "tsk_z_idle" {
		t.Fatalf("idle task not boosted above fresh twin: %+v", plan.Entries)
	}
}

func TestRebalance_UrgentTaskBypassesClientCap(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	// Two high-importance tasks fill the 3h acme cap. The third ranks below
	// them but has burned >90% of its SLA window, which lets it through the
	// cap (never through the global budget).
	seedOpen(t, st, "tsk_a1", "acme", 1.5, func(tk *types.Task) { tk.Importance = 5 })
	seedOpen(t, st, "tsk_a2", "acme", 1.5, func(tk *types.Task) { tk.Importance = 5 })
	seedOpen(t, st, "tsk_hot", "acme", 2, func(tk *types.Task) {
		tk.CreatedAt = testNow.Add(-190 * time.Hour) // 200h SLA nearly spent
	})

	plan, _, err := newPlanner(t, cfg, st).Rebalance(context.Background(), Request{Hours: 8})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	var acmeHours float64
	for _, e := range plan.Entries {
		ids = append(ids, e.TaskID)
		acmeHours += e.EffortHours
	}
	if len(ids) != 3 {
		t.Fatalf("entries = %v, want all three admitted", ids)
	}
	if acmeHours <= 3 {
		t.Fatalf("urgent override did not exceed the client cap: %vh", acmeHours)
	}
}

func TestRebalance_ExcludesHeldAndBlockedTasks(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	seedOpen(t, st, "tsk_ok", "acme", 1, nil)
	seedOpen(t, st, "tsk_review", "acme", 1, func(tk *types.Task) { tk.RequiresReview = true })
	seedOpen(t, st, "tsk_blocked", "acme", 1, func(tk *types.Task) { tk.Status = types.StatusBlocked })

	plan, _, err := newPlanner(t, cfg, st).Rebalance(context.Background(), Request{Hours: 8})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Entries) != 1 || plan.Entries[0].TaskID != "tsk_ok" {
		t.Fatalf("entries = %+v, want only tsk_ok", plan.Entries)
	}
}

func TestRebalance_DeterministicUnderFixedClock(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	seedCompleted(t, st, "tsk_done", "acme", 5)
	for _, id := range []string{"tsk_1", "tsk_2", "tsk_3", "tsk_4"} {
		seedOpen(t, st, id, "acme", 1, nil)
		seedOpen(t, st, id+"_g", "globex", 1, nil)
	}

	p := newPlanner(t, cfg, st)
	first, _, err := p.Rebalance(context.Background(), Request{Hours: 5})
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := p.Rebalance(context.Background(), Request{Hours: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Entries) != len(second.Entries) {
		t.Fatalf("entry counts differ: %d vs %d", len(first.Entries), len(second.Entries))
	}
	for i := range first.Entries {
		if first.Entries[i].TaskID != second.Entries[i].TaskID {
			t.Fatalf("order differs at %d: %s vs %s", i, first.Entries[i].TaskID, second.Entries[i].TaskID)
		}
	}
}

func TestRebalance_PersistsPlanAndAudit(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	seedOpen(t, st, "tsk_1", "acme", 1, nil)

	plan, _, err := newPlanner(t, cfg, st).Rebalance(context.Background(), Request{Hours: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.GetPlan(plan.SessionID); !ok {
		t.Fatal("plan not persisted")
	}
	events := st.AuditEvents()
	if len(events) != 1 || events[0].EventType != types.AuditPlanComputed {
		t.Fatalf("audit = %+v", events)
	}
}
