// Package scheduler runs the periodic jobs: deadline-driven rescoring,
// stale-task nudges, ledger and outbox cleanup, and the daily rebalance.
// Every job takes a per-job advisory lock first, so replicas running the
// same schedule never double-execute.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taskwire/taskwire/internal/clock"
	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/outbox"
	"github.com/taskwire/taskwire/internal/planner"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/triage"
	"github.com/taskwire/taskwire/internal/types"
)

// rescoreDeadlineWindow selects tasks whose deadline is close enough that
// their urgency moves meaningfully between runs.
const rescoreDeadlineWindow = 48 * time.Hour

// Scheduler owns the cron loop.
type Scheduler struct {
	st      store.Store
	ledger  store.LedgerStore
	cfg     *config.Config
	clk     clock.Clock
	triager *triage.Triager
	planner *planner.Planner
	prod    *outbox.Producer
	cron    *cron.Cron
	log     *zap.Logger
}

// New wires the scheduler. ledger may be the store itself or a Redis ledger.
func New(st store.Store, ledger store.LedgerStore, cfg *config.Config, clk clock.Clock,
	tr *triage.Triager, pl *planner.Planner, prod *outbox.Producer, log *zap.Logger) *Scheduler {
	return &Scheduler{
		st: st, ledger: ledger, cfg: cfg, clk: clk,
		triager: tr, planner: pl, prod: prod,
		cron: cron.New(), log: log,
	}
}

// Start registers and starts the jobs. Stop with Stop.
func (s *Scheduler) Start() error {
	sched := s.cfg.Scheduler
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"rescore_aging", fmt.Sprintf("@every %ds", sched.RescoreIntervalSecs), s.RescoreAging},
		{"stale_nudge", fmt.Sprintf("@every %ds", sched.NudgeIntervalSecs), s.StaleNudge},
		{"ledger_prune", "@daily", s.PruneLedger},
		{"outbox_cleanup", "@daily", s.CleanupOutbox},
	}
	if sched.RebalanceCron != "" {
		jobs = append(jobs, struct {
			name string
			spec string
			run  func(context.Context) error
		}{"rebalance", sched.RebalanceCron, s.DailyRebalance})
	}

	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() { s.locked(j.name, j.run) }); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// locked runs one job under its advisory lock; a held lock means another
// replica is on it.
func (s *Scheduler) locked(name string, run func(context.Context) error) {
	ctx := context.Background()
	ok, err := s.st.TryLockJob(ctx, name)
	if err != nil {
		s.log.Warn("job lock failed", zap.String("job", name), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := s.st.UnlockJob(ctx, name); err != nil {
			s.log.Warn("job unlock failed", zap.String("job", name), zap.Error(err))
		}
	}()
	if err := run(ctx); err != nil {
		s.log.Warn("job failed", zap.String("job", name), zap.Error(err))
	}
}

// RescoreAging recomputes scores for open tasks whose deadline falls inside
// the window. Scoring is pure, so this only refreshes stored values.
func (s *Scheduler) RescoreAging(ctx context.Context) error {
	now := s.clk.Now()
	open, err := s.st.ListOpenTasks(ctx)
	if err != nil {
		return err
	}
	var n int
	for _, t := range open {
		hrs, ok := t.HoursToDeadline(now)
		if !ok || hrs > rescoreDeadlineWindow.Hours() {
			continue
		}
		s.triager.Rescore(t)
		t.UpdatedAt = now
		if err := s.st.SaveTask(ctx, t); err != nil {
			return err
		}
		n++
	}
	if n > 0 {
		detail, _ := json.Marshal(map[string]int{"rescored": n})
		if err := s.st.AppendAudit(ctx, types.AuditEvent{
			EventType: types.AuditScoreRecomputed, Detail: detail, CreatedAt: now,
		}); err != nil {
			return err
		}
		s.log.Info("aging tasks rescored", zap.Int("count", n))
	}
	return nil
}

// StaleNudge bumps the score of tasks idle past the threshold and enqueues
// one nudge notification per task per day. The bump grows with each idle
// day and the total score stays capped at 1.
func (s *Scheduler) StaleNudge(ctx context.Context) error {
	now := s.clk.Now()
	sched := s.cfg.Scheduler
	threshold := time.Duration(sched.StaleThresholdHours * float64(time.Hour))

	open, err := s.st.ListOpenTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range open {
		if t.Status.Terminal() || t.Status == types.StatusBlocked {
			continue
		}
		idle := now.Sub(t.LastActivityAt)
		if idle <= threshold {
			continue
		}

		daysStale := idle.Hours() / 24
		thresholdDays := sched.StaleThresholdHours / 24
		bump := (daysStale - thresholdDays + 1) * sched.AgingBoostPerDay / 100
		if bump <= 0 {
			continue
		}
		var cur float64
		if t.Score != nil {
			cur = *t.Score
		}
		bumped := math.Min(1, cur+bump)
		t.Score = &bumped
		t.UpdatedAt = now
		if err := s.st.SaveTask(ctx, t); err != nil {
			return err
		}

		detail, _ := json.Marshal(map[string]any{"idle_hours": int(idle.Hours()), "score": bumped})
		if err := s.st.AppendAudit(ctx, types.AuditEvent{
			EventType: types.AuditStaleNudge, TaskID: t.ID, Detail: detail, CreatedAt: now,
		}); err != nil {
			return err
		}

		if t.Backend != "" {
			msg := fmt.Sprintf("%s has had no activity for %d days", t.Title, int(daysStale))
			if _, err := s.prod.EnqueueNotify(ctx, t.Backend, t.ID, "stale", msg, now); err != nil {
				return err
			}
		}
		s.log.Info("stale task nudged",
			zap.String("task_id", t.ID), zap.Float64("score", bumped))
	}
	return nil
}

// PruneLedger drops seen-delivery entries past the TTL.
func (s *Scheduler) PruneLedger(ctx context.Context) error {
	cutoff := s.clk.Now().AddDate(0, 0, -s.cfg.Scheduler.LedgerTTLDays)
	n, err := s.ledger.PruneEvents(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("delivery ledger pruned", zap.Int64("removed", n))
	}
	return nil
}

// CleanupOutbox removes delivered rows past the retention window.
func (s *Scheduler) CleanupOutbox(ctx context.Context) error {
	cutoff := s.clk.Now().AddDate(0, 0, -s.cfg.Outbox.CleanupRetainDays)
	n, err := s.st.CleanupDelivered(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("delivered outbox rows cleaned", zap.Int64("removed", n))
	}
	return nil
}

// DailyRebalance computes the day plan with the configured budget.
func (s *Scheduler) DailyRebalance(ctx context.Context) error {
	_, _, err := s.planner.Rebalance(ctx, planner.Request{})
	return err
}
