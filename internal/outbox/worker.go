package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/taskwire/taskwire/internal/backend"
	"github.com/taskwire/taskwire/internal/clock"
	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/types"
)

// errExternalIDPending marks rows whose create call has not landed yet.
// They reschedule without spending retry budget until the mapping exists:
// the row itself never reached the backend, so a long provider outage on
// the create must not dead-letter its dependents.
var errExternalIDPending = errors.New("external id not yet mapped")

// Worker drains the outbox: claim a batch, dispatch each row against its
// backend adapter, and settle the row according to the failure class.
// Multiple workers may run concurrently; the claim query keeps them off
// each other's rows.
type Worker struct {
	st       store.Store
	backends backend.Registry
	cfg      config.Outbox
	clk      clock.Clock
	metrics  *Metrics
	log      *zap.Logger
	rng      *rand.Rand
}

// NewWorker builds a delivery worker.
func NewWorker(st store.Store, backends backend.Registry, cfg config.Outbox, clk clock.Clock, m *Metrics, log *zap.Logger) *Worker {
	return &Worker{
		st:       st,
		backends: backends,
		cfg:      cfg,
		clk:      clk,
		metrics:  m,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run drives the worker until ctx is done. Rows stuck inflight from a
// previous crash are reclaimed on start.
func (w *Worker) Run(ctx context.Context, tick time.Duration) {
	now := w.clk.Now()
	if n, err := w.st.ReclaimInflight(ctx, now.Add(-w.cfg.InflightLease()), now); err != nil {
		w.log.Warn("reclaim inflight failed", zap.Error(err))
	} else if n > 0 {
		w.log.Info("reclaimed inflight rows", zap.Int64("count", n))
	}

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.Tick(ctx); err != nil {
				w.log.Warn("outbox tick failed", zap.Error(err))
			}
		}
	}
}

// Tick claims and dispatches one batch. Exposed for the scheduler and tests.
func (w *Worker) Tick(ctx context.Context) error {
	batch, err := w.st.ClaimBatch(ctx, w.cfg.BatchSize, w.clk.Now())
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	for i := range batch {
		w.dispatch(ctx, &batch[i])
	}
	if stats, err := w.st.OutboxStats(ctx); err == nil {
		for status, n := range stats {
			w.metrics.Queue.WithLabelValues(string(status)).Set(float64(n))
		}
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, row *types.OutboxRow) {
	now := w.clk.Now()
	be, ok := w.backends.Get(row.Backend)
	if !ok {
		w.settleFailure(ctx, row, &backend.Error{Class: backend.ClassPermanent, Msg: "unknown backend " + row.Backend})
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout())
	start := time.Now()
	err := w.call(callCtx, be, row)
	cancel()
	w.metrics.Dispatch.WithLabelValues(row.Backend).Observe(time.Since(start).Seconds())

	if err != nil {
		w.settleFailure(ctx, row, err)
		return
	}
	if err := w.st.MarkDelivered(ctx, row.ID, now); err != nil {
		w.log.Error("mark delivered failed", zap.Int64("row", row.ID), zap.Error(err))
		return
	}
	w.metrics.Delivered.WithLabelValues(row.Backend, row.OperationType).Inc()
	w.log.Info("outbox row delivered",
		zap.Int64("row", row.ID),
		zap.String("backend", row.Backend),
		zap.String("operation", row.OperationType))
}

// call routes the row to the adapter method for its operation type. Rows
// that act on a provider task need the external id from the mapping table;
// until the create lands they fail retryably.
func (w *Worker) call(ctx context.Context, be backend.Backend, row *types.OutboxRow) error {
	switch row.OperationType {
	case types.OpCreateTask:
		externalID, err := be.CreateTask(ctx, row.Payload, row.IdempotencyKey)
		if err != nil {
			return err
		}
		return w.bindExternalID(ctx, row, externalID)
	case types.OpNotify:
		return be.Notify(ctx, row.Payload, row.IdempotencyKey)
	case types.OpAddSubtask, types.OpAddChecklistItem, types.OpUpdateTask:
		externalID, err := w.externalID(ctx, row)
		if err != nil {
			return err
		}
		switch row.OperationType {
		case types.OpAddSubtask:
			return be.AddSubtask(ctx, externalID, row.Payload, row.IdempotencyKey)
		case types.OpAddChecklistItem:
			return be.AddChecklistItem(ctx, externalID, row.Payload, row.IdempotencyKey)
		default:
			return be.UpdateTask(ctx, externalID, row.Payload, row.IdempotencyKey)
		}
	default:
		return &backend.Error{Class: backend.ClassPermanent, Msg: "unknown operation " + row.OperationType}
	}
}

// externalID resolves the provider-side id for the row's task. Tasks whose
// create call has not delivered yet have no binding; the row retries.
func (w *Worker) externalID(ctx context.Context, row *types.OutboxRow) (string, error) {
	t, err := w.st.GetTask(ctx, row.TaskID)
	if err != nil {
		return "", err
	}
	if t.ExternalID == "" || t.Backend != row.Backend {
		return "", errExternalIDPending
	}
	return t.ExternalID, nil
}

// bindExternalID records the (backend, external id) mapping and stamps the
// task, in that order: the mapping unblocks dependent rows.
func (w *Worker) bindExternalID(ctx context.Context, row *types.OutboxRow, externalID string) error {
	if err := w.st.UpsertMapping(ctx, row.Backend, externalID, row.TaskID); err != nil {
		return fmt.Errorf("record mapping: %w", err)
	}
	t, err := w.st.GetTask(ctx, row.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	t.Backend = row.Backend
	t.ExternalID = externalID
	t.UpdatedAt = w.clk.Now()
	return w.st.SaveTask(ctx, t)
}

func (w *Worker) settleFailure(ctx context.Context, row *types.OutboxRow, cause error) {
	now := w.clk.Now()
	class := backend.Classify(cause)

	// Waiting on the create's external-id binding is not a delivery attempt;
	// the retry count stays where it is.
	if errors.Is(cause, errExternalIDPending) {
		delay := Backoff(w.cfg, 0, w.rng)
		if err := w.st.MarkRetry(ctx, row.ID, row.RetryCount, now.Add(delay), cause.Error(), now); err != nil {
			w.log.Error("mark retry failed", zap.Int64("row", row.ID), zap.Error(err))
			return
		}
		w.metrics.Retried.WithLabelValues(row.Backend, class.String()).Inc()
		w.log.Debug("outbox row waiting for external id",
			zap.Int64("row", row.ID),
			zap.String("backend", row.Backend),
			zap.String("operation", row.OperationType),
			zap.Duration("delay", delay))
		return
	}

	if class == backend.ClassPermanent || row.RetryCount+1 >= w.cfg.MaxRetries {
		if err := w.st.MarkDeadLetter(ctx, row.ID, cause.Error(), now); err != nil {
			w.log.Error("mark dead letter failed", zap.Int64("row", row.ID), zap.Error(err))
			return
		}
		w.metrics.DeadLetters.WithLabelValues(row.Backend).Inc()
		w.audit(ctx, "outbox_dead_letter", row, cause)
		w.log.Warn("outbox row dead-lettered",
			zap.Int64("row", row.ID),
			zap.String("backend", row.Backend),
			zap.String("operation", row.OperationType),
			zap.Int("retries", row.RetryCount),
			zap.String("class", class.String()))
		return
	}

	delay := Backoff(w.cfg, row.RetryCount, w.rng)
	if ra := backend.RetryAfter(cause); ra > delay {
		delay = ra
	}
	if err := w.st.MarkRetry(ctx, row.ID, row.RetryCount+1, now.Add(delay), cause.Error(), now); err != nil {
		w.log.Error("mark retry failed", zap.Int64("row", row.ID), zap.Error(err))
		return
	}
	w.metrics.Retried.WithLabelValues(row.Backend, class.String()).Inc()
	w.log.Info("outbox row scheduled for retry",
		zap.Int64("row", row.ID),
		zap.String("backend", row.Backend),
		zap.Int("attempt", row.RetryCount+1),
		zap.Duration("delay", delay))
}

func (w *Worker) audit(ctx context.Context, eventType string, row *types.OutboxRow, cause error) {
	detail, _ := json.Marshal(map[string]any{
		"operation": row.OperationType,
		"backend":   row.Backend,
		"retries":   row.RetryCount,
		"error":     cause.Error(),
	})
	ev := types.AuditEvent{
		EventType: eventType,
		TaskID:    row.TaskID,
		Detail:    detail,
		CreatedAt: w.clk.Now(),
	}
	if err := w.st.AppendAudit(ctx, ev); err != nil {
		w.log.Warn("append audit failed", zap.Error(err))
	}
}
