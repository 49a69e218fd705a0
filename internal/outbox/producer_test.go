package outbox

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/types"
)

var testNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func TestCanonicalJSON_KeyOrderInvariant(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": "x", "nested": map[string]any{"z": 1, "y": 2}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalJSON(map[string]any{"nested": map[string]any{"y": 2, "z": 1}, "a": "x", "b": 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ:\n%s\n%s", a, b)
	}
}

func TestIdempotencyKey_DistinguishesIdentityParts(t *testing.T) {
	payload := []byte(`{"title":"t"}`)
	base := IdempotencyKey("trello", types.OpCreateTask, "/tasks", payload)
	if base == IdempotencyKey("todoist", types.OpCreateTask, "/tasks", payload) {
		t.Fatal("backend not part of key")
	}
	if base == IdempotencyKey("trello", types.OpUpdateTask, "/tasks", payload) {
		t.Fatal("operation not part of key")
	}
	if base == IdempotencyKey("trello", types.OpCreateTask, "/tasks", []byte(`{"title":"u"}`)) {
		t.Fatal("payload not part of key")
	}
	if base != IdempotencyKey("trello", types.OpCreateTask, "/tasks", payload) {
		t.Fatal("key not stable")
	}
}

func TestEnqueue_SameIntentCollapsesToOneRow(t *testing.T) {
	st := store.NewMemory()
	p := NewProducer(st, zaptest.NewLogger(t))
	ctx := context.Background()

	payload := map[string]any{"title": "t", "client": "acme"}
	_, fresh, err := p.Enqueue(ctx, "trello", types.OpCreateTask, "/tasks", "tsk_1", payload, testNow)
	if err != nil || !fresh {
		t.Fatalf("first enqueue: fresh=%v err=%v", fresh, err)
	}
	_, fresh, err = p.Enqueue(ctx, "trello", types.OpCreateTask, "/tasks", "tsk_1", payload, testNow.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Fatal("second enqueue of same intent reported fresh")
	}

	stats, _ := st.OutboxStats(ctx)
	if stats[types.OutboxPending] != 1 {
		t.Fatalf("pending=%d, want 1", stats[types.OutboxPending])
	}
}

func TestCreationRows_FullFootprint(t *testing.T) {
	st := store.NewMemory()
	p := NewProducer(st, zaptest.NewLogger(t))

	task := &types.Task{
		ID:        "tsk_1",
		Title:     "Fix bug",
		Client:    "acme",
		Checklist: []string{"Reproduce", "Fix"},
		Subtasks:  []types.Subtask{{Title: "Investigate", Status: types.StatusPending}},
	}
	rows, err := p.CreationRows("trello", task, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 { // create + 1 subtask + 2 checklist items
		t.Fatalf("rows=%d, want 4", len(rows))
	}
	if rows[0].OperationType != types.OpCreateTask {
		t.Fatalf("first row is %s, want %s", rows[0].OperationType, types.OpCreateTask)
	}

	if err := st.SaveTaskWithOutbox(context.Background(), task, rows); err != nil {
		t.Fatal(err)
	}
	stats, _ := st.OutboxStats(context.Background())
	if stats[types.OutboxPending] != 4 {
		t.Fatalf("pending=%d, want 4", stats[types.OutboxPending])
	}
	// Same footprint committed again collapses on the idempotency keys.
	rows, err = p.CreationRows("trello", task, testNow.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveTaskWithOutbox(context.Background(), task, rows); err != nil {
		t.Fatal(err)
	}
	stats, _ = st.OutboxStats(context.Background())
	if stats[types.OutboxPending] != 4 {
		t.Fatalf("pending after replay=%d, want 4", stats[types.OutboxPending])
	}
}

func TestEnqueueNotify_OncePerTaskPerDay(t *testing.T) {
	st := store.NewMemory()
	p := NewProducer(st, zaptest.NewLogger(t))
	ctx := context.Background()

	fresh, err := p.EnqueueNotify(ctx, "trello", "tsk_1", "stale", "no activity for 4 days", testNow)
	if err != nil || !fresh {
		t.Fatalf("first notify: fresh=%v err=%v", fresh, err)
	}
	// Same day, even hours later: deduplicated.
	fresh, err = p.EnqueueNotify(ctx, "trello", "tsk_1", "stale", "no activity for 4 days", testNow.Add(6*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Fatal("same-day notify not deduplicated")
	}
	// Next day: fresh again.
	fresh, err = p.EnqueueNotify(ctx, "trello", "tsk_1", "stale", "no activity for 4 days", testNow.Add(24*time.Hour))
	if err != nil || !fresh {
		t.Fatalf("next-day notify: fresh=%v err=%v", fresh, err)
	}
}
