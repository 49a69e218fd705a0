package triage

import (
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/taskwire/taskwire/internal/types"
)

// Caps on advisor-contributed list growth. A suggestion can extend a task,
// not flood it.
const (
	maxLabels    = 12
	maxSubtasks  = 20
	maxChecklist = 30
)

// Refine merges an advisor suggestion into a triaged task under the
// allow-list rules: lists grow by union, the score may only move up, and
// hold_creation marks the task for review without touching anything else.
// The merge reports whether backend creation should proceed.
func (tr *Triager) Refine(t *types.Task, s types.Suggestion) (createNow bool) {
	if len(s.Labels) > 0 {
		t.Labels = capSlice(lo.Uniq(append(t.Labels, s.Labels...)), maxLabels)
	}
	if len(s.Checklist) > 0 {
		t.Checklist = capSlice(lo.Uniq(append(t.Checklist, s.Checklist...)), maxChecklist)
	}
	if len(s.Subtasks) > 0 {
		existing := lo.Map(t.Subtasks, func(st types.Subtask, _ int) string { return st.Title })
		for _, title := range s.Subtasks {
			if len(t.Subtasks) >= maxSubtasks {
				break
			}
			if title == "" || lo.Contains(existing, title) {
				continue
			}
			t.Subtasks = append(t.Subtasks, types.Subtask{Title: title, Status: types.StatusPending})
			existing = append(existing, title)
		}
	}

	if s.ScoreOverride != nil {
		ov := clamp01(*s.ScoreOverride)
		if t.Score == nil || ov > *t.Score {
			t.Score = &ov
			if t.ScoreMeta != nil {
				t.ScoreMeta.ScoringMethod = "advisor_override"
			}
			tr.log.Info("advisor raised score",
				zap.String("task_id", t.ID), zap.Float64("score", ov))
		}
	}

	if s.RequiresReview || s.HoldCreation {
		t.RequiresReview = true
	}
	return !s.HoldCreation
}

func capSlice(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
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
