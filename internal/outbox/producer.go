package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/types"
)

// Producer turns task mutations into durable outbox rows. The idempotency
// key is derived from the row's identity and canonical payload, so the same
// intent enqueued twice collapses to one row and one provider effect.
type Producer struct {
	outbox store.OutboxStore
	log    *zap.Logger
}

// NewProducer builds a producer over the outbox store.
func NewProducer(outbox store.OutboxStore, log *zap.Logger) *Producer {
	return &Producer{outbox: outbox, log: log}
}

// CanonicalJSON renders v with object keys sorted at every level, so that
// semantically equal payloads produce byte-equal encodings.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order.
	return json.Marshal(generic)
}

// IdempotencyKey hashes the row identity and canonical payload.
func IdempotencyKey(backend, operation, endpoint string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(backend))
	h.Write([]byte{'|'})
	h.Write([]byte(operation))
	h.Write([]byte{'|'})
	h.Write([]byte(endpoint))
	h.Write([]byte{'|'})
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// Enqueue inserts one outbox row for the given intent. Returns the row and
// whether it was fresh (false means a row with the same key already exists).
func (p *Producer) Enqueue(ctx context.Context, backendName, operation, endpoint, taskID string, payload any, now time.Time) (*types.OutboxRow, bool, error) {
	row, err := buildRow(backendName, operation, endpoint, taskID, payload, now)
	if err != nil {
		return nil, false, fmt.Errorf("canonicalize payload: %w", err)
	}
	fresh, err := p.outbox.InsertOutbox(ctx, row)
	if err != nil {
		return nil, false, err
	}
	if !fresh {
		p.log.Debug("outbox row deduplicated",
			zap.String("operation", operation), zap.String("task_id", taskID))
	}
	return row, fresh, nil
}

// CreationRows builds the full provider footprint of a new task: the create
// call, one row per subtask, and one per checklist item. It does not insert;
// callers commit the rows together with the task mutation that intends them
// (store.SaveTaskWithOutbox), so a crash can never persist one without the
// other.
func (p *Producer) CreationRows(backendName string, t *types.Task, now time.Time) ([]*types.OutboxRow, error) {
	row, err := buildRow(backendName, types.OpCreateTask, "/tasks", t.ID, createPayload(t), now)
	if err != nil {
		return nil, fmt.Errorf("build create row: %w", err)
	}
	rows := []*types.OutboxRow{row}
	for _, st := range t.Subtasks {
		payload := map[string]string{"task_id": t.ID, "title": st.Title}
		row, err := buildRow(backendName, types.OpAddSubtask, "/subtasks", t.ID, payload, now)
		if err != nil {
			return nil, fmt.Errorf("build subtask row: %w", err)
		}
		rows = append(rows, row)
	}
	for _, item := range t.Checklist {
		payload := map[string]string{"task_id": t.ID, "item": item}
		row, err := buildRow(backendName, types.OpAddChecklistItem, "/checklist", t.ID, payload, now)
		if err != nil {
			return nil, fmt.Errorf("build checklist row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func buildRow(backendName, operation, endpoint, taskID string, payload any, now time.Time) (*types.OutboxRow, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	return &types.OutboxRow{
		OperationType:  operation,
		Backend:        backendName,
		Endpoint:       endpoint,
		TaskID:         taskID,
		Payload:        canonical,
		IdempotencyKey: IdempotencyKey(backendName, operation, endpoint, canonical),
		CreatedAt:      now,
	}, nil
}

// EnqueueUpdate enqueues a provider-side task update.
func (p *Producer) EnqueueUpdate(ctx context.Context, backendName, taskID string, fields map[string]any, now time.Time) error {
	_, _, err := p.Enqueue(ctx, backendName, types.OpUpdateTask, "/tasks/update", taskID, fields, now)
	return err
}

// EnqueueNotify enqueues a notification. The payload carries the calendar
// day, so at most one notification of a kind per task per day survives
// deduplication.
func (p *Producer) EnqueueNotify(ctx context.Context, backendName, taskID, kind, message string, now time.Time) (bool, error) {
	payload := map[string]string{
		"kind":    kind,
		"task_id": taskID,
		"day":     now.UTC().Format("2006-01-02"),
		"message": message,
	}
	_, fresh, err := p.Enqueue(ctx, backendName, types.OpNotify, "/notifications", taskID, payload, now)
	return fresh, err
}

func createPayload(t *types.Task) map[string]any {
	out := map[string]any{
		"task_id":     t.ID,
		"title":       t.Title,
		"description": t.Description,
		"client":      t.Client,
		"task_type":   t.Type,
		"importance":  t.Importance,
		"labels":      t.Labels,
	}
	if t.Deadline != nil {
		out["deadline"] = t.Deadline.UTC().Format(time.RFC3339)
	}
	return out
}
