package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/taskwire/taskwire/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store on a Postgres database via sqlx with the pgx
// stdlib driver. Tasks follow the payload-column idiom: the full task JSON
// lives in a jsonb column with the fields needed for filtering broken out.
type Postgres struct {
	db *sqlx.DB

	locksMu sync.Mutex
	locks   map[string]*sqlx.Conn // held advisory-lock connections by job name
}

// Open connects and verifies the database.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{db: db, locks: make(map[string]*sqlx.Conn)}, nil
}

// NewPostgresFromDB wraps an existing connection; tests use this with sqlmock.
func NewPostgresFromDB(db *sql.DB, driverName string) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, driverName), locks: make(map[string]*sqlx.Conn)}
}

// EnsureSchema applies the embedded schema. All statements are idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

// ── tasks ─────────────────────────────────────────────────────────────────

func (p *Postgres) SaveTask(ctx context.Context, t *types.Task) error {
	return saveTask(ctx, p.db, t)
}

// SaveTaskWithOutbox wraps the task upsert and the outbox inserts in one
// transaction: either the mutation and its delivery intent both commit, or
// neither does.
func (p *Postgres) SaveTaskWithOutbox(ctx context.Context, t *types.Task, rows []*types.OutboxRow) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save task with outbox: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := saveTask(ctx, tx, t); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := insertOutbox(ctx, tx, row); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task with outbox: %w", err)
	}
	return nil
}

func saveTask(ctx context.Context, ext sqlx.ExtContext, t *types.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = ext.ExecContext(ctx, `
		insert into tasks (id, external_id, backend, payload, score, status, client, effort_hours,
		                   created_at, updated_at, last_activity_at)
		values ($1, nullif($2,''), nullif($3,''), $4, $5, $6, $7, $8, $9, $10, $11)
		on conflict (id) do update set
			external_id      = excluded.external_id,
			backend          = excluded.backend,
			payload          = excluded.payload,
			score            = excluded.score,
			status           = excluded.status,
			client           = excluded.client,
			effort_hours     = excluded.effort_hours,
			updated_at       = excluded.updated_at,
			last_activity_at = excluded.last_activity_at`,
		t.ID, t.ExternalID, t.Backend, payload, scoreOrNil(t), t.Status, t.Client,
		t.EffortHours, t.CreatedAt, t.UpdatedAt, t.LastActivityAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func scoreOrNil(t *types.Task) any {
	if t.Score == nil {
		return nil
	}
	return *t.Score
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var payload []byte
	err := p.db.QueryRowxContext(ctx, `select payload from tasks where id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	var t types.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (p *Postgres) ListOpenTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := p.db.QueryxContext(ctx,
		`select payload from tasks where status not in ('completed','cancelled') order by id`)
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var t types.Task
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *Postgres) TouchTask(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		update tasks
		set last_activity_at = $2,
		    payload = jsonb_set(payload, '{last_activity_at}', to_jsonb($2::timestamptz))
		where id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CompletedEffortByClient(ctx context.Context, since time.Time) (map[string]float64, error) {
	rows, err := p.db.QueryxContext(ctx, `
		select client, coalesce(sum(effort_hours), 0)
		from tasks
		where status = 'completed' and updated_at >= $1
		group by client`, since)
	if err != nil {
		return nil, fmt.Errorf("completed effort: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var client string
		var hours float64
		if err := rows.Scan(&client, &hours); err != nil {
			return nil, err
		}
		out[client] = hours
	}
	return out, rows.Err()
}

// ── outbox ────────────────────────────────────────────────────────────────

func (p *Postgres) InsertOutbox(ctx context.Context, row *types.OutboxRow) (bool, error) {
	return insertOutbox(ctx, p.db, row)
}

func insertOutbox(ctx context.Context, ext sqlx.ExtContext, row *types.OutboxRow) (bool, error) {
	res, err := ext.ExecContext(ctx, `
		insert into outbox (operation_type, backend, endpoint, task_id, payload,
		                    idempotency_key, status, retry_count, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $7)
		on conflict (idempotency_key) do nothing`,
		row.OperationType, row.Backend, row.Endpoint, row.TaskID, row.Payload,
		row.IdempotencyKey, row.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const claimColumns = `id, operation_type, backend, endpoint, task_id, payload,
	idempotency_key, status, retry_count, next_retry_at, last_error, created_at, updated_at`

func (p *Postgres) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]types.OutboxRow, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryxContext(ctx, `
		select `+claimColumns+`
		from outbox
		where status = 'pending' and (next_retry_at is null or next_retry_at <= $1)
		order by next_retry_at nulls first, id
		limit $2
		for update skip locked`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select ready rows: %w", err)
	}

	var batch []types.OutboxRow
	var ids []int64
	for rows.Next() {
		var r types.OutboxRow
		if err := rows.StructScan(&r); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		batch = append(batch, r)
		ids = append(ids, r.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, tx.Commit()
	}

	query, args, err := sqlx.In(
		`update outbox set status = 'inflight', updated_at = ? where id in (?)`, now, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("mark inflight: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	for i := range batch {
		batch[i].Status = types.OutboxInflight
	}
	return batch, nil
}

func (p *Postgres) MarkDelivered(ctx context.Context, id int64, now time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`update outbox set status = 'delivered', last_error = null, updated_at = $2 where id = $1`,
		id, now)
	return err
}

func (p *Postgres) MarkRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastErr string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		update outbox
		set status = 'pending', retry_count = $2, next_retry_at = $3, last_error = $4, updated_at = $5
		where id = $1`, id, retryCount, nextRetryAt, lastErr, now)
	return err
}

func (p *Postgres) MarkDeadLetter(ctx context.Context, id int64, lastErr string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		update outbox
		set status = 'dead_letter', next_retry_at = null, last_error = $2, updated_at = $3
		where id = $1`, id, lastErr, now)
	return err
}

func (p *Postgres) ReclaimInflight(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		update outbox set status = 'pending', updated_at = $2
		where status = 'inflight' and updated_at < $1`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim inflight: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) RequeueDeadLetter(ctx context.Context, id int64, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		update outbox
		set status = 'pending', retry_count = 0, next_retry_at = null, updated_at = $2
		where id = $1 and status = 'dead_letter'`, id, now)
	if err != nil {
		return fmt.Errorf("requeue %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) OutboxStats(ctx context.Context) (map[types.OutboxStatus]int, error) {
	rows, err := p.db.QueryxContext(ctx, `select status, count(*) from outbox group by status`)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[types.OutboxStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[types.OutboxStatus(status)] = count
	}
	return stats, rows.Err()
}

func (p *Postgres) CleanupDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`delete from outbox where status = 'delivered' and updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup delivered: %w", err)
	}
	return res.RowsAffected()
}

// ── seen-delivery ledger ──────────────────────────────────────────────────

func (p *Postgres) SeenDelivery(ctx context.Context, backend, deliveryID string, payload []byte, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		insert into events (delivery_id, backend, payload, created_at)
		values ($1, $2, $3, $4)
		on conflict (backend, delivery_id) do nothing`,
		deliveryID, backend, payload, now)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateDelivery
	}
	return nil
}

func (p *Postgres) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `delete from events where created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// ── mapping ───────────────────────────────────────────────────────────────

func (p *Postgres) UpsertMapping(ctx context.Context, backend, externalID, internalID string) error {
	_, err := p.db.ExecContext(ctx, `
		insert into task_mapping (backend, external_id, internal_id)
		values ($1, $2, $3)
		on conflict (backend, external_id) do update set internal_id = excluded.internal_id`,
		backend, externalID, internalID)
	return err
}

func (p *Postgres) GetInternalID(ctx context.Context, backend, externalID string) (string, error) {
	var id string
	err := p.db.QueryRowxContext(ctx,
		`select internal_id from task_mapping where backend = $1 and external_id = $2`,
		backend, externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

// ── audit & traces ────────────────────────────────────────────────────────

func (p *Postgres) AppendAudit(ctx context.Context, ev types.AuditEvent) error {
	_, err := p.db.ExecContext(ctx, `
		insert into audit_memory (event_type, task_id, session_id, detail, created_at)
		values ($1, $2, $3, $4, $5)`,
		ev.EventType, ev.TaskID, ev.SessionID, detailOrNull(ev.Detail), ev.CreatedAt)
	return err
}

func detailOrNull(d []byte) any {
	if len(d) == 0 {
		return nil
	}
	return d
}

func (p *Postgres) AppendTraces(ctx context.Context, traces []types.DecisionTrace) error {
	if len(traces) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	for _, tr := range traces {
		if _, err := tx.ExecContext(ctx, `
			insert into traces (session_id, task_a, task_b, delta_urgency, delta_sla,
			                    delta_staleness, delta_fairness, delta_total,
			                    rank_old, rank_new, rationale, created_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			tr.SessionID, tr.TaskA, tr.TaskB, tr.DeltaUrgency, tr.DeltaSLA,
			tr.DeltaStaleness, tr.DeltaFairness, tr.DeltaTotal,
			tr.RankOld, tr.RankNew, tr.Rationale, tr.CreatedAt); err != nil {
			return fmt.Errorf("append trace: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) ListTraces(ctx context.Context, from, to time.Time) ([]types.DecisionTrace, error) {
	rows, err := p.db.QueryxContext(ctx, `
		select session_id, task_a, task_b, delta_urgency, delta_sla, delta_staleness,
		       delta_fairness, delta_total, rank_old, rank_new, rationale, created_at
		from traces
		where created_at >= $1 and created_at < $2
		order by id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []types.DecisionTrace
	for rows.Next() {
		var tr types.DecisionTrace
		if err := rows.Scan(&tr.SessionID, &tr.TaskA, &tr.TaskB, &tr.DeltaUrgency,
			&tr.DeltaSLA, &tr.DeltaStaleness, &tr.DeltaFairness, &tr.DeltaTotal,
			&tr.RankOld, &tr.RankNew, &tr.Rationale, &tr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ── plans ─────────────────────────────────────────────────────────────────

func (p *Postgres) SavePlan(ctx context.Context, plan *types.Plan) error {
	entries, err := json.Marshal(plan.Entries)
	if err != nil {
		return fmt.Errorf("marshal plan entries: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		insert into plans (session_id, generated_at, available_hours, entries)
		values ($1, $2, $3, $4)
		on conflict (session_id) do update set entries = excluded.entries`,
		plan.SessionID, plan.GeneratedAt, plan.AvailableHours, entries)
	return err
}

// ── job locks ─────────────────────────────────────────────────────────────

// jobLockKey hashes the job name into the advisory-lock key space.
func jobLockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("taskwire:" + name))
	return int64(h.Sum64())
}

// Advisory locks are session-scoped, so each held lock pins a dedicated
// connection until UnlockJob releases it.
func (p *Postgres) TryLockJob(ctx context.Context, name string) (bool, error) {
	conn, err := p.db.Connx(ctx)
	if err != nil {
		return false, fmt.Errorf("lock job %s: %w", name, err)
	}
	var got bool
	if err := conn.QueryRowxContext(ctx, `select pg_try_advisory_lock($1)`, jobLockKey(name)).Scan(&got); err != nil {
		conn.Close()
		return false, fmt.Errorf("lock job %s: %w", name, err)
	}
	if !got {
		conn.Close()
		return false, nil
	}
	p.locksMu.Lock()
	p.locks[name] = conn
	p.locksMu.Unlock()
	return true, nil
}

func (p *Postgres) UnlockJob(ctx context.Context, name string) error {
	p.locksMu.Lock()
	conn, ok := p.locks[name]
	delete(p.locks, name)
	p.locksMu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Close()
	var released bool
	return conn.QueryRowxContext(ctx, `select pg_advisory_unlock($1)`, jobLockKey(name)).Scan(&released)
}
