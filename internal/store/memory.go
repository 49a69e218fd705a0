package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskwire/taskwire/internal/types"
)

// Memory implements Store with mutex-protected maps. It backs tests and
// dev mode; its locking gives the same observable guarantees as the
// Postgres skip-locked path (a claimed row is never claimed twice).
type Memory struct {
	mu sync.Mutex

	tasks    map[string]*types.Task
	outbox   map[int64]*types.OutboxRow
	byKey    map[string]int64 // idempotency key → outbox id
	nextID   int64
	events   map[string]time.Time // backend|delivery_id → created_at
	mappings map[string]string    // backend|external_id → internal id
	audits   []types.AuditEvent
	traces   []types.DecisionTrace
	plans    map[string]*types.Plan
	jobLocks map[string]bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]*types.Task),
		outbox:   make(map[int64]*types.OutboxRow),
		byKey:    make(map[string]int64),
		events:   make(map[string]time.Time),
		mappings: make(map[string]string),
		plans:    make(map[string]*types.Plan),
		jobLocks: make(map[string]bool),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// ── tasks ─────────────────────────────────────────────────────────────────

func (m *Memory) SaveTask(_ context.Context, t *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveTaskLocked(t)
	return nil
}

func (m *Memory) saveTaskLocked(t *types.Task) {
	cp := *t
	m.tasks[t.ID] = &cp
}

// SaveTaskWithOutbox commits the task and its outbox rows under one lock
// scope, matching the Postgres transaction.
func (m *Memory) SaveTaskWithOutbox(_ context.Context, t *types.Task, rows []*types.OutboxRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveTaskLocked(t)
	for _, row := range rows {
		m.insertOutboxLocked(row)
	}
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListOpenTasks(_ context.Context) ([]*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Task
	for _, t := range m.tasks {
		if t.Status.Terminal() {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TouchTask(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.LastActivityAt = at
	return nil
}

func (m *Memory) CompletedEffortByClient(_ context.Context, since time.Time) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64)
	for _, t := range m.tasks {
		if t.Status == types.StatusCompleted && !t.UpdatedAt.Before(since) {
			out[t.Client] += t.EffortHours
		}
	}
	return out, nil
}

// ── outbox ────────────────────────────────────────────────────────────────

func (m *Memory) InsertOutbox(_ context.Context, row *types.OutboxRow) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertOutboxLocked(row), nil
}

func (m *Memory) insertOutboxLocked(row *types.OutboxRow) bool {
	if _, dup := m.byKey[row.IdempotencyKey]; dup {
		return false
	}
	m.nextID++
	cp := *row
	cp.ID = m.nextID
	cp.Status = types.OutboxPending
	cp.RetryCount = 0
	cp.UpdatedAt = cp.CreatedAt
	m.outbox[cp.ID] = &cp
	m.byKey[cp.IdempotencyKey] = cp.ID
	row.ID = cp.ID
	return true
}

func (m *Memory) ClaimBatch(_ context.Context, limit int, now time.Time) ([]types.OutboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*types.OutboxRow
	for _, r := range m.outbox {
		if r.Status != types.OutboxPending {
			continue
		}
		if r.NextRetryAt != nil && r.NextRetryAt.After(now) {
			continue
		}
		ready = append(ready, r)
	}
	// next_retry_at nulls first, then id: same order as the SQL path.
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		switch {
		case a.NextRetryAt == nil && b.NextRetryAt != nil:
			return true
		case a.NextRetryAt != nil && b.NextRetryAt == nil:
			return false
		case a.NextRetryAt != nil && b.NextRetryAt != nil && !a.NextRetryAt.Equal(*b.NextRetryAt):
			return a.NextRetryAt.Before(*b.NextRetryAt)
		}
		return a.ID < b.ID
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}

	batch := make([]types.OutboxRow, 0, len(ready))
	for _, r := range ready {
		r.Status = types.OutboxInflight
		r.UpdatedAt = now
		batch = append(batch, *r)
	}
	return batch, nil
}

func (m *Memory) MarkDelivered(_ context.Context, id int64, now time.Time) error {
	return m.transition(id, func(r *types.OutboxRow) {
		r.Status = types.OutboxDelivered
		r.LastError = nil
		r.UpdatedAt = now
	})
}

func (m *Memory) MarkRetry(_ context.Context, id int64, retryCount int, nextRetryAt time.Time, lastErr string, now time.Time) error {
	return m.transition(id, func(r *types.OutboxRow) {
		r.Status = types.OutboxPending
		r.RetryCount = retryCount
		r.NextRetryAt = &nextRetryAt
		r.LastError = &lastErr
		r.UpdatedAt = now
	})
}

func (m *Memory) MarkDeadLetter(_ context.Context, id int64, lastErr string, now time.Time) error {
	return m.transition(id, func(r *types.OutboxRow) {
		r.Status = types.OutboxDeadLetter
		r.NextRetryAt = nil
		r.LastError = &lastErr
		r.UpdatedAt = now
	})
}

func (m *Memory) ReclaimInflight(_ context.Context, cutoff time.Time, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.outbox {
		if r.Status == types.OutboxInflight && r.UpdatedAt.Before(cutoff) {
			r.Status = types.OutboxPending
			r.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) RequeueDeadLetter(_ context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.outbox[id]
	if !ok || r.Status != types.OutboxDeadLetter {
		return ErrNotFound
	}
	r.Status = types.OutboxPending
	r.RetryCount = 0
	r.NextRetryAt = nil
	r.UpdatedAt = now
	return nil
}

func (m *Memory) OutboxStats(_ context.Context) (map[types.OutboxStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[types.OutboxStatus]int)
	for _, r := range m.outbox {
		stats[r.Status]++
	}
	return stats, nil
}

func (m *Memory) CleanupDelivered(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.outbox {
		if r.Status == types.OutboxDelivered && r.UpdatedAt.Before(cutoff) {
			delete(m.outbox, id)
			delete(m.byKey, r.IdempotencyKey)
			n++
		}
	}
	return n, nil
}

// GetOutboxRow returns a copy of the row; test helper.
func (m *Memory) GetOutboxRow(id int64) (types.OutboxRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.outbox[id]
	if !ok {
		return types.OutboxRow{}, false
	}
	return *r, true
}

func (m *Memory) transition(id int64, f func(*types.OutboxRow)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	f(r)
	return nil
}

// ── seen-delivery ledger ──────────────────────────────────────────────────

func (m *Memory) SeenDelivery(_ context.Context, backend, deliveryID string, _ []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := backend + "|" + deliveryID
	if _, dup := m.events[key]; dup {
		return ErrDuplicateDelivery
	}
	m.events[key] = now
	return nil
}

func (m *Memory) PruneEvents(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, at := range m.events {
		if at.Before(cutoff) {
			delete(m.events, k)
			n++
		}
	}
	return n, nil
}

// ── mapping ───────────────────────────────────────────────────────────────

func (m *Memory) UpsertMapping(_ context.Context, backend, externalID, internalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[backend+"|"+externalID] = internalID
	return nil
}

func (m *Memory) GetInternalID(_ context.Context, backend, externalID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.mappings[backend+"|"+externalID]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// ── audit, traces, plans ──────────────────────────────────────────────────

func (m *Memory) AppendAudit(_ context.Context, ev types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.audits) + 1)
	m.audits = append(m.audits, ev)
	return nil
}

// AuditEvents returns a copy of all audit rows; test helper.
func (m *Memory) AuditEvents() []types.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AuditEvent, len(m.audits))
	copy(out, m.audits)
	return out
}

func (m *Memory) AppendTraces(_ context.Context, traces []types.DecisionTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces = append(m.traces, traces...)
	return nil
}

func (m *Memory) ListTraces(_ context.Context, from, to time.Time) ([]types.DecisionTrace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.DecisionTrace
	for _, tr := range m.traces {
		if !tr.CreatedAt.Before(from) && tr.CreatedAt.Before(to) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (m *Memory) SavePlan(_ context.Context, p *types.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.plans[p.SessionID] = &cp
	return nil
}

// GetPlan returns a saved plan; test helper.
func (m *Memory) GetPlan(sessionID string) (*types.Plan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[sessionID]
	return p, ok
}

// ── job locks ─────────────────────────────────────────────────────────────

func (m *Memory) TryLockJob(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobLocks[name] {
		return false, nil
	}
	m.jobLocks[name] = true
	return true, nil
}

func (m *Memory) UnlockJob(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobLocks, name)
	return nil
}
