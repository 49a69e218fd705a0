// Package triage turns raw intake items into normalized, classified, and
// scored tasks. The pipeline is rule-driven and deterministic: normalize,
// classify by keywords, fill defaults, derive labels and templates, score.
// Re-running it on an already-triaged task is a fixed point.
package triage

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/taskwire/taskwire/internal/clock"
	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/scoring"
	"github.com/taskwire/taskwire/internal/types"
)

// Triager runs the triage pipeline.
type Triager struct {
	cfg    *config.Config
	clk    clock.Clock
	scorer scoring.Scorer
	log    *zap.Logger
}

// New builds a triager over the loaded rules.
func New(cfg *config.Config, clk clock.Clock, log *zap.Logger) *Triager {
	return &Triager{cfg: cfg, clk: clk, scorer: scoring.ForMode(cfg), log: log}
}

// clientPrefix matches a leading "[client]" marker in intake titles.
var clientPrefix = regexp.MustCompile(`^\[([^\]\s][^\]]*)\]\s*`)

// NewTaskID mints a task id.
func NewTaskID() string {
	return "tsk_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Intake runs the full pipeline on a raw item and returns a new task.
func (tr *Triager) Intake(in types.Intake) *types.Task {
	now := tr.clk.Now()

	title := strings.TrimSpace(in.Title)
	client := strings.ToLower(strings.TrimSpace(in.Client))
	if m := clientPrefix.FindStringSubmatch(title); m != nil {
		if client == "" {
			client = strings.ToLower(strings.TrimSpace(m[1]))
		}
		title = strings.TrimSpace(title[len(m[0]):])
	}
	if title == "" {
		title = "(untitled)"
	}
	if client == "" {
		client = "unknown"
	}

	t := &types.Task{
		ID:             NewTaskID(),
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		Client:         client,
		Deadline:       in.Deadline,
		Importance:     in.Importance,
		EffortHours:    in.EffortHours,
		Labels:         in.Labels,
		Status:         types.StatusPending,
		Source:         in.Source,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	tr.apply(t, in.Importance == 0, now)

	tr.log.Info("task triaged",
		zap.String("task_id", t.ID),
		zap.String("client", t.Client),
		zap.String("task_type", t.Type),
		zap.Float64("score", *t.Score))
	return t
}

// Retriage re-runs classification, defaults, derivation, and scoring on an
// existing task in place. Identity, status, deadline, and activity fields
// are untouched.
func (tr *Triager) Retriage(t *types.Task) {
	now := tr.clk.Now()
	tr.apply(t, false, now)
	t.UpdatedAt = now
}

// Rescore recomputes only the score and its metadata.
func (tr *Triager) Rescore(t *types.Task) {
	tr.score(t, tr.clk.Now())
}

func (tr *Triager) apply(t *types.Task, biasImportance bool, now time.Time) {
	t.Type = tr.classify(t.Title, t.Description)
	tt := tr.cfg.TaskTypeOr(t.Type)
	client := tr.cfg.ClientOr(t.Client)

	if t.EffortHours <= 0 {
		t.EffortHours = tt.DefaultEffortHours
	}
	if t.Importance == 0 {
		imp := float64(tt.DefaultImportance)
		if biasImportance && client.ImportanceBias > 0 {
			imp *= client.ImportanceBias
		}
		t.Importance = clampImportance(int(imp + 0.5))
	} else {
		t.Importance = clampImportance(t.Importance)
	}

	t.Labels = lo.Uniq(append(append([]string{}, t.Labels...), tt.Labels...))
	if len(t.Checklist) == 0 {
		t.Checklist = expandTemplate(tt.ChecklistTemplate, t)
	}
	if len(t.Subtasks) == 0 {
		for _, title := range expandTemplate(tt.SubtasksTemplate, t) {
			t.Subtasks = append(t.Subtasks, types.Subtask{Title: title, Status: types.StatusPending})
		}
	}

	tr.score(t, now)
}

func (tr *Triager) score(t *types.Task, now time.Time) {
	s := tr.scorer.Score(t, tr.cfg, now)
	t.Score = &s
	meta := scoring.Meta(t, now, tr.cfg.Scoring.Mode)
	t.ScoreMeta = &meta
}

// classify picks the task type with the most keyword hits in the title and
// description. Ties break alphabetically; no hits means general.
func (tr *Triager) classify(title, description string) string {
	text := strings.ToLower(title + " " + description)

	best, bestHits := "general", 0
	names := lo.Keys(tr.cfg.TaskTypes)
	sort.Strings(names)
	for _, name := range names {
		var hits int
		for _, kw := range tr.cfg.TaskTypes[name].ClassifyKeywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = name, hits
		}
	}
	return best
}

func clampImportance(v int) int {
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}

func expandTemplate(tmpl []string, t *types.Task) []string {
	if len(tmpl) == 0 {
		return nil
	}
	out := make([]string, len(tmpl))
	for i, line := range tmpl {
		line = strings.ReplaceAll(line, "{client}", t.Client)
		line = strings.ReplaceAll(line, "{title}", t.Title)
		out[i] = line
	}
	return out
}
