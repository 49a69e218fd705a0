// Package webhook applies backend change events: verify the signature,
// dedup on the delivery id, map the external task id, and apply the status
// transition under the monotonic lifecycle rules. A request that fails
// verification mutates nothing, not even the dedup ledger.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskwire/taskwire/internal/backend"
	"github.com/taskwire/taskwire/internal/clock"
	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/types"
)

// ErrUnknownBackend is returned for webhook posts to unconfigured backends.
var ErrUnknownBackend = errors.New("webhook: unknown backend")

// Result reports what processing an event did.
type Result struct {
	Deduped bool   `json:"deduped"`
	TaskID  string `json:"task_id,omitempty"`
	Applied bool   `json:"applied"`
}

// Processor handles verified webhook traffic for all configured backends.
type Processor struct {
	st       store.Store
	ledger   store.LedgerStore
	backends backend.Registry
	cfg      *config.Config
	clk      clock.Clock
	metrics  *Metrics
	log      *zap.Logger
}

// New builds a processor. ledger may differ from st's own ledger (Redis in
// multi-replica deployments); pass st itself otherwise. metrics may be nil.
func New(st store.Store, ledger store.LedgerStore, backends backend.Registry, cfg *config.Config, clk clock.Clock, m *Metrics, log *zap.Logger) *Processor {
	return &Processor{st: st, ledger: ledger, backends: backends, cfg: cfg, clk: clk, metrics: m, log: log}
}

// Process runs the full pipeline for one delivery. Signature failures
// return backend.ErrBadSignature before any state is touched.
func (p *Processor) Process(ctx context.Context, backendName, signature string, body []byte) (Result, error) {
	be, ok := p.backends.Get(backendName)
	if !ok {
		return Result{}, ErrUnknownBackend
	}
	conf, ok := p.cfg.BackendConfFor(backendName)
	if !ok {
		return Result{}, ErrUnknownBackend
	}
	if err := be.VerifyWebhook(signature, body); err != nil {
		p.metrics.inc(backendName, "bad_signature")
		return Result{}, err
	}

	ev, err := parseEvent(backendName, conf, body)
	if err != nil {
		return Result{}, err
	}
	now := p.clk.Now()

	if err := p.ledger.SeenDelivery(ctx, backendName, ev.DeliveryID, body, now); err != nil {
		if errors.Is(err, store.ErrDuplicateDelivery) {
			p.metrics.inc(backendName, "deduped")
			p.log.Info("webhook replay ignored",
				zap.String("backend", backendName),
				zap.String("delivery_hash", hashID(ev.DeliveryID)))
			return Result{Deduped: true}, nil
		}
		return Result{}, err
	}

	if ev.ExternalID == "" {
		return Result{}, nil
	}
	taskID, err := p.st.GetInternalID(ctx, backendName, ev.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warn("webhook for unmapped task",
			zap.String("backend", backendName),
			zap.String("delivery_hash", hashID(ev.DeliveryID)))
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}

	applied, err := p.apply(ctx, taskID, ev, now)
	if err != nil {
		return Result{TaskID: taskID}, err
	}
	if applied {
		p.metrics.inc(backendName, "applied")
	} else {
		p.metrics.inc(backendName, "accepted")
	}
	return Result{TaskID: taskID, Applied: applied}, nil
}

// apply records activity and, when the event carries a status, transitions
// the task. Regressions are ignored unless the event's own timestamp is
// newer than the task's last update (out-of-order delivery).
func (p *Processor) apply(ctx context.Context, taskID string, ev *types.WebhookEvent, now time.Time) (bool, error) {
	t, err := p.st.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	activityAt := now
	if !ev.Timestamp.IsZero() {
		activityAt = ev.Timestamp
	}

	applied := false
	if ev.Status != "" && ev.Status != t.Status {
		switch {
		case types.CanTransition(t.Status, ev.Status):
			applied = true
		case !t.Status.Terminal() && !ev.Timestamp.IsZero() && ev.Timestamp.After(t.UpdatedAt):
			// A regression with a fresher event timestamp wins: our record
			// is the stale one.
			applied = true
		default:
			p.log.Info("webhook status regression ignored",
				zap.String("task_id", taskID),
				zap.String("from", string(t.Status)),
				zap.String("to", string(ev.Status)))
		}
	}

	if applied {
		t.Status = ev.Status
		t.UpdatedAt = now
		t.LastActivityAt = activityAt
		if err := p.st.SaveTask(ctx, t); err != nil {
			return false, err
		}
		p.audit(ctx, taskID, ev, now)
		p.log.Info("webhook applied",
			zap.String("task_id", taskID),
			zap.String("status", string(ev.Status)))
		return true, nil
	}

	if err := p.st.TouchTask(ctx, taskID, activityAt); err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	return false, nil
}

func (p *Processor) audit(ctx context.Context, taskID string, ev *types.WebhookEvent, now time.Time) {
	detail, _ := json.Marshal(map[string]string{
		"backend":       ev.Backend,
		"status":        string(ev.Status),
		"delivery_hash": hashID(ev.DeliveryID),
	})
	err := p.st.AppendAudit(ctx, types.AuditEvent{
		EventType: types.AuditWebhookApplied,
		TaskID:    taskID,
		Detail:    detail,
		CreatedAt: now,
	})
	if err != nil {
		p.log.Warn("append audit failed", zap.Error(err))
	}
}

// parseEvent extracts the delivery id, external id, status, and timestamp
// using the field names configured for the backend. An event without any
// delivery id field falls back to the body hash, which still dedups exact
// replays.
func parseEvent(backendName string, conf config.BackendConf, body []byte) (*types.WebhookEvent, error) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("webhook: decode body: %w", err)
	}

	ev := &types.WebhookEvent{Backend: backendName, Payload: body}
	ev.DeliveryID = lookupString(obj, conf.DeliveryIDFields)
	if ev.DeliveryID == "" {
		ev.DeliveryID = hashID(string(body))
	}
	ev.ExternalID = lookupString(obj, conf.ExternalIDFields)
	ev.Status = mapStatus(lookupString(obj, []string{"status", "state"}))
	if ts := lookupString(obj, []string{"timestamp", "updated_at", "occurred_at"}); ts != "" {
		if at, err := time.Parse(time.RFC3339, ts); err == nil {
			ev.Timestamp = at
		}
	}
	return ev, nil
}

// lookupString resolves the first present field; "a.b" descends one level.
func lookupString(obj map[string]any, fields []string) string {
	for _, f := range fields {
		cur := obj
		parts := strings.Split(f, ".")
		for i, part := range parts {
			if i == len(parts)-1 {
				switch v := cur[part].(type) {
				case string:
					if v != "" {
						return v
					}
				case float64:
					return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
				}
				break
			}
			next, ok := cur[part].(map[string]any)
			if !ok {
				break
			}
			cur = next
		}
	}
	return ""
}

// mapStatus folds provider status vocabulary into the internal lifecycle.
// Unknown values map to empty (no transition).
func mapStatus(s string) types.TaskStatus {
	switch strings.ToLower(s) {
	case "pending", "open", "todo", "new":
		return types.StatusPending
	case "in_progress", "doing", "started", "active":
		return types.StatusInProgress
	case "blocked", "on_hold", "waiting":
		return types.StatusBlocked
	case "completed", "done", "closed", "complete":
		return types.StatusCompleted
	case "cancelled", "canceled", "deleted", "archived":
		return types.StatusCancelled
	default:
		return ""
	}
}

func hashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}
