// Package types holds the shared vocabulary of the orchestrator: tasks,
// outbox rows, webhook events, day plans, and audit records. Every other
// package speaks in these types; none of them carry behaviour beyond small
// pure helpers.
package types

import (
	"time"
)

// TaskStatus is the high-level lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusCompleted  TaskStatus = "completed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether s is a retired state. Retired tasks are kept,
// never deleted.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// statusRank orders the monotonic part of the lifecycle. blocked and
// in_progress share a rank because they may flip back and forth.
var statusRank = map[TaskStatus]int{
	StatusPending:    0,
	StatusInProgress: 1,
	StatusBlocked:    1,
	StatusCompleted:  2,
	StatusCancelled:  2,
}

// CanTransition reports whether moving from → to respects the monotonic
// status rule: ranks never decrease, and terminal states never change.
func CanTransition(from, to TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	rf, okf := statusRank[from]
	rt, okt := statusRank[to]
	if !okf || !okt {
		return false
	}
	return rt >= rf
}

// UrgencyLevel buckets hours-to-deadline for display and for the fuzzy scorer.
type UrgencyLevel string

const (
	UrgencyCritical UrgencyLevel = "critical" // < 4h
	UrgencyHigh     UrgencyLevel = "high"     // < 24h
	UrgencyMedium   UrgencyLevel = "medium"   // < 7d
	UrgencyLow      UrgencyLevel = "low"
)

// ComplexityLevel buckets effort hours.
type ComplexityLevel string

const (
	ComplexitySimple   ComplexityLevel = "simple"   // < 2h
	ComplexityModerate ComplexityLevel = "moderate" // ≤ 8h
	ComplexityComplex  ComplexityLevel = "complex"  // ≤ 24h
	ComplexityEpic     ComplexityLevel = "epic"
)

// ScoreMeta is derived metadata recorded alongside a score.
type ScoreMeta struct {
	Urgency       UrgencyLevel    `json:"urgency_level"`
	Complexity    ComplexityLevel `json:"complexity_level"`
	ScoringMethod string          `json:"scoring_method"` // "baseline" | "ensemble" | "advisor_override"
}

// Subtask is one derived child item pushed to a backend.
type Subtask struct {
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

// Task is the normalized internal task record. The third-party backends
// remain the user-facing system of record; this is the decision spine's view.
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Client         string     `json:"client"`
	Type           string     `json:"task_type"`
	Importance     int        `json:"importance"`   // 1..5
	EffortHours    float64    `json:"effort_hours"` // > 0 after defaults
	Deadline       *time.Time `json:"deadline,omitempty"`
	Status         TaskStatus `json:"status"`
	Score          *float64   `json:"score,omitempty"` // [0,1]; nil until first scored
	ScoreMeta      *ScoreMeta `json:"score_meta,omitempty"`
	Labels         []string   `json:"labels"`
	Checklist      []string   `json:"checklist"`
	Subtasks       []Subtask  `json:"subtasks"`
	Source         string     `json:"source"`
	RequiresReview bool       `json:"requires_review"`
	RecentProgress float64    `json:"recent_progress"` // [0,1] activity summary for the last window

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	// External binding: at most one (backend, external id) pair per backend.
	Backend    string `json:"backend,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// HoursToDeadline returns hours until the deadline at now, or ok=false when
// the task has no deadline.
func (t *Task) HoursToDeadline(now time.Time) (float64, bool) {
	if t.Deadline == nil {
		return 0, false
	}
	return t.Deadline.Sub(now).Hours(), true
}

// AgeHours returns hours since the task was created.
func (t *Task) AgeHours(now time.Time) float64 {
	h := now.Sub(t.CreatedAt).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// Intake is a raw work item from an external intake channel, before triage.
type Intake struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Client      string     `json:"client"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Importance  int        `json:"importance,omitempty"`   // 0 = unset
	EffortHours float64    `json:"effort_hours,omitempty"` // 0 = unset
	Labels      []string   `json:"labels,omitempty"`
	Source      string     `json:"source,omitempty"`
}

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxInflight   OutboxStatus = "inflight"
	OutboxDelivered  OutboxStatus = "delivered"
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

// Outbox operation types.
const (
	OpCreateTask       = "create_task"
	OpAddSubtask       = "add_subtask"
	OpAddChecklistItem = "add_checklist_item"
	OpUpdateTask       = "update_task"
	OpNotify           = "notify"
)

// OutboxRow is a durable intent to call a backend: the unit of reliable
// delivery. Rows are inserted atomically with the task mutation that
// intends them and transitioned only by workers holding the row lock.
type OutboxRow struct {
	ID             int64        `json:"id" db:"id"`
	OperationType  string       `json:"operation_type" db:"operation_type"`
	Backend        string       `json:"backend" db:"backend"`
	Endpoint       string       `json:"endpoint" db:"endpoint"`
	TaskID         string       `json:"task_id" db:"task_id"`
	Payload        []byte       `json:"payload" db:"payload"`
	IdempotencyKey string       `json:"idempotency_key" db:"idempotency_key"`
	Status         OutboxStatus `json:"status" db:"status"`
	RetryCount     int          `json:"retry_count" db:"retry_count"`
	NextRetryAt    *time.Time   `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastError      *string      `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// WebhookEvent is a backend change event after signature verification and
// delivery-id extraction, before applying.
type WebhookEvent struct {
	Backend    string
	DeliveryID string
	ExternalID string
	Status     TaskStatus // "" when the event carries no status transition
	Timestamp  time.Time  // event's own timestamp; zero when absent
	Payload    []byte
}

// PlanEntry is one ordered slot in a day plan.
type PlanEntry struct {
	TaskID        string  `json:"task_id"`
	Client        string  `json:"client"`
	EffortHours   float64 `json:"effort_hours"`
	BaseScore     float64 `json:"base_score"`
	AdjustedScore float64 `json:"adjusted_score"`
	Rank          int     `json:"rank"` // 1-based position in the plan
}

// Plan is the rebalancer's ordered worklist for a day.
type Plan struct {
	SessionID      string      `json:"session_id"`
	GeneratedAt    time.Time   `json:"generated_at"`
	AvailableHours float64     `json:"available_hours"`
	Entries        []PlanEntry `json:"entries"`
}

// TotalEffort sums the planned effort hours.
func (p *Plan) TotalEffort() float64 {
	var sum float64
	for _, e := range p.Entries {
		sum += e.EffortHours
	}
	return sum
}

// DecisionTrace explains one pairwise rank change in a rebalanced plan in
// terms of per-factor score deltas.
type DecisionTrace struct {
	SessionID      string    `json:"session_id"`
	TaskA          string    `json:"task_a"` // moved above TaskB
	TaskB          string    `json:"task_b"`
	DeltaUrgency   float64   `json:"delta_urgency"`
	DeltaSLA       float64   `json:"delta_sla"`
	DeltaStaleness float64   `json:"delta_staleness"`
	DeltaFairness  float64   `json:"delta_fairness"`
	DeltaTotal     float64   `json:"delta_total"`
	RankOld        int       `json:"rank_old"`
	RankNew        int       `json:"rank_new"`
	Rationale      string    `json:"rationale"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditEvent is one append-only audit row: planner decisions, advisor
// merges, score recomputations, webhook and outbox anomalies.
type AuditEvent struct {
	ID        int64     `json:"id" db:"id"`
	EventType string    `json:"event_type" db:"event_type"`
	TaskID    string    `json:"task_id,omitempty" db:"task_id"`
	SessionID string    `json:"session_id,omitempty" db:"session_id"`
	Detail    []byte    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Audit event types.
const (
	AuditTaskCreated        = "task_created"
	AuditTaskRetriaged      = "task_retriaged"
	AuditScoreRecomputed    = "score_recomputed"
	AuditAdvisorApplied     = "advisor_applied"
	AuditAdvisorUnavailable = "advisor_unavailable"
	AuditAdvisorRejected    = "advisor_rejected"
	AuditPlanComputed       = "plan_computed"
	AuditWebhookApplied     = "webhook_applied"
	AuditStaleNudge         = "stale_nudge"
)

// Snapshot is the bounded view of a task sent to the advisor. It carries
// only what the advisor needs for advice, never status, identity bindings,
// or credentials.
type Snapshot struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        string     `json:"task_type"`
	Client      string     `json:"client"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Importance  int        `json:"importance"`
	Labels      []string   `json:"labels"`
	Subtasks    []string   `json:"subtasks"`
}

// Suggestion is the advisor's allow-listed delta. Fields outside this set
// are never accepted; the merge step enforces the invariants.
type Suggestion struct {
	Labels         []string `json:"labels,omitempty"`
	Subtasks       []string `json:"subtasks,omitempty"`
	Checklist      []string `json:"checklist,omitempty"`
	ScoreOverride  *float64 `json:"score_override,omitempty"` // [0,1]
	HoldCreation   bool     `json:"hold_creation,omitempty"`
	RequiresReview bool     `json:"requires_review,omitempty"`
}
