// Package store is the durable state layer: tasks, outbox rows, the
// seen-delivery ledger, external-id mappings, plans, and the append-only
// audit log. Two implementations exist: Postgres (sqlx/pgx) for
// deployments and an in-memory store for tests and dev mode. The outbox
// claim path is the only hot contention point; Postgres serves it with
// FOR UPDATE SKIP LOCKED so workers never block each other.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/taskwire/taskwire/internal/types"
)

var (
	// ErrNotFound is returned for lookups of unknown ids.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateDelivery is returned when a delivery id is already in the
	// seen-delivery ledger.
	ErrDuplicateDelivery = errors.New("store: duplicate delivery")
)

// TaskStore persists normalized tasks.
type TaskStore interface {
	// SaveTask upserts the full task record.
	SaveTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	// ListOpenTasks returns all tasks not in a terminal state.
	ListOpenTasks(ctx context.Context) ([]*types.Task, error)
	// TouchTask bumps last_activity_at (webhook activity).
	TouchTask(ctx context.Context, id string, at time.Time) error
	// CompletedEffortByClient sums effort_hours of tasks completed since
	// the given instant, per client. Feeds the fairness deficit.
	CompletedEffortByClient(ctx context.Context, since time.Time) (map[string]float64, error)
}

// OutboxStore persists and transitions outbox rows. All transitions happen
// under the row lock taken by ClaimBatch.
type OutboxStore interface {
	// InsertOutbox inserts the row unless its idempotency key already
	// exists; reports whether the row was fresh.
	InsertOutbox(ctx context.Context, row *types.OutboxRow) (bool, error)
	// ClaimBatch selects up to limit ready rows (pending, next_retry_at
	// null or due) ordered next_retry_at NULLS FIRST then id, marks them
	// inflight, and returns them. Skip-locked: concurrent claims never
	// return the same row.
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]types.OutboxRow, error)
	MarkDelivered(ctx context.Context, id int64, now time.Time) error
	// MarkRetry returns the row to pending with the bumped retry count and
	// the next attempt time.
	MarkRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastErr string, now time.Time) error
	MarkDeadLetter(ctx context.Context, id int64, lastErr string, now time.Time) error
	// ReclaimInflight returns rows stuck inflight since before cutoff to
	// pending and reports how many were reclaimed.
	ReclaimInflight(ctx context.Context, cutoff time.Time, now time.Time) (int64, error)
	// RequeueDeadLetter is the operator path: dead_letter → pending with a
	// reset retry count.
	RequeueDeadLetter(ctx context.Context, id int64, now time.Time) error
	OutboxStats(ctx context.Context) (map[types.OutboxStatus]int, error)
	// CleanupDelivered prunes delivered rows older than cutoff.
	CleanupDelivered(ctx context.Context, cutoff time.Time) (int64, error)
}

// LedgerStore is the seen-delivery ledger: at-most-once acceptance per
// delivery id, TTL-pruned.
type LedgerStore interface {
	// SeenDelivery atomically records the delivery id. Returns
	// ErrDuplicateDelivery when the id was already recorded.
	SeenDelivery(ctx context.Context, backend, deliveryID string, payload []byte, now time.Time) error
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// MappingStore maps (backend, external id) to internal task ids.
type MappingStore interface {
	UpsertMapping(ctx context.Context, backend, externalID, internalID string) error
	GetInternalID(ctx context.Context, backend, externalID string) (string, error)
}

// AuditStore is the append-only decision log.
type AuditStore interface {
	AppendAudit(ctx context.Context, ev types.AuditEvent) error
	AppendTraces(ctx context.Context, traces []types.DecisionTrace) error
	ListTraces(ctx context.Context, from, to time.Time) ([]types.DecisionTrace, error)
}

// PlanStore persists rebalancer output.
type PlanStore interface {
	SavePlan(ctx context.Context, p *types.Plan) error
}

// JobLocker serializes scheduler jobs across workers via advisory locks
// keyed by job name.
type JobLocker interface {
	TryLockJob(ctx context.Context, name string) (bool, error)
	UnlockJob(ctx context.Context, name string) error
}

// Store composes the full persistence surface.
type Store interface {
	TaskStore
	OutboxStore
	LedgerStore
	MappingStore
	AuditStore
	PlanStore
	JobLocker

	// SaveTaskWithOutbox persists the task and its outbox rows in one atomic
	// commit, so a crash can never separate a mutation from its delivery
	// intent. Rows whose idempotency key already exists are skipped.
	SaveTaskWithOutbox(ctx context.Context, t *types.Task, rows []*types.OutboxRow) error

	Ping(ctx context.Context) error
	Close() error
}
