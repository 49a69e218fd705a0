package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskwire/taskwire/internal/advisor"
	"github.com/taskwire/taskwire/internal/backend"
	"github.com/taskwire/taskwire/internal/clock"
	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/outbox"
	"github.com/taskwire/taskwire/internal/planner"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/triage"
	"github.com/taskwire/taskwire/internal/types"
	"github.com/taskwire/taskwire/internal/webhook"
)

var testNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

const webhookSecret = "whsec"

type signingStub struct{ *backend.Stub }

func (s *signingStub) VerifyWebhook(sig string, body []byte) error {
	return backend.VerifySignature(config.SchemeHMACSHA256Hex, webhookSecret, sig, body)
}

type fixture struct {
	st  *store.Memory
	srv *httptest.Server
	adv *advisor.Stub
}

func newFixture(t *testing.T, adv *advisor.Stub) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Backends = []config.BackendConf{{
		Name:             "trello",
		SignatureScheme:  config.SchemeHMACSHA256Hex,
		SignatureHeader:  "X-Signature",
		DeliveryIDFields: []string{"delivery_id"},
		ExternalIDFields: []string{"card_id"},
	}}

	st := store.NewMemory()
	clk := clock.NewFake(testNow)
	log := zaptest.NewLogger(t)
	reg := backend.Registry{"trello": &signingStub{backend.NewStub("trello")}}
	tr := triage.New(cfg, clk, log)
	pl := planner.New(st, cfg, clk, log)
	prod := outbox.NewProducer(st, log)
	hook := webhook.New(st, st, reg, cfg, clk, nil, log)

	var a advisor.Advisor
	if adv != nil {
		a = adv
	}
	s := New(cfg, st, tr, a, pl, prod, hook, prometheus.NewRegistry(), clk, log)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{st: st, srv: srv, adv: adv}
}

func (f *fixture) post(t *testing.T, path string, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestIntake_CreatesTaskAndEnqueuesOutbox(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.post(t, "/tasks/intake?backend=trello",
		`{"title":"[acme] Fix login bug","description":"500 on submit"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	id, _ := body["id"].(string)
	assert.Contains(t, id, "tsk_")
	assert.Equal(t, "bugfix", body["task_type"])
	assert.Equal(t, "acme", body["client"])

	task, err := f.st.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, task.Status)

	stats, err := f.st.OutboxStats(context.Background())
	require.NoError(t, err)
	// create + subtask/checklist template rows
	assert.Greater(t, stats[types.OutboxPending], 1)
}

func TestIntake_InvalidImportanceRejected(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.post(t, "/tasks/intake", `{"title":"t","importance":9}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIntake_PastDeadlineRejected(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.post(t, "/tasks/intake",
		`{"title":"stale item","deadline":"2020-01-01T00:00:00Z"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "deadline")

	// Exactly the creation instant is not strictly after it.
	resp, _ = f.post(t, "/tasks/intake",
		fmt.Sprintf(`{"title":"t","deadline":%q}`, testNow.Format(time.RFC3339)), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIntake_UnknownBackendRejected(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.post(t, "/tasks/intake?backend=nope", `{"title":"t"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIntake_AdvisorHoldBlocksCreation(t *testing.T) {
	f := newFixture(t, &advisor.Stub{Suggestion: types.Suggestion{HoldCreation: true}})

	resp, body := f.post(t, "/tasks/intake?backend=trello", `{"title":"wire transfer"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["requires_review"])

	stats, err := f.st.OutboxStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats[types.OutboxPending], "held task must not reach the outbox")
}

func TestIntake_AdvisorFailureDegradesDeterministically(t *testing.T) {
	f := newFixture(t, &advisor.Stub{Err: advisor.ErrUnavailable})

	resp, body := f.post(t, "/tasks/intake?backend=trello", `{"title":"[acme] fix bug"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, false, body["requires_review"])

	// Deterministic path still enqueues and audits the degradation.
	stats, _ := f.st.OutboxStats(context.Background())
	assert.Greater(t, stats[types.OutboxPending], 0)
	var sawUnavailable bool
	for _, ev := range f.st.AuditEvents() {
		if ev.EventType == types.AuditAdvisorUnavailable {
			sawUnavailable = true
		}
	}
	assert.True(t, sawUnavailable, "advisor degradation not audited")
}

func TestRetriage_UnknownTask404(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.post(t, "/tasks/tsk_missing/retriage", ``, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetriage_RecomputesClassification(t *testing.T) {
	f := newFixture(t, nil)
	_, body := f.post(t, "/tasks/intake", `{"title":"some chore"}`, nil)
	id := body["id"].(string)

	// The task text changes out of band; retriage must reclassify.
	task, err := f.st.GetTask(context.Background(), id)
	require.NoError(t, err)
	task.Title = "Fix crash error"
	task.Checklist = nil
	task.Subtasks = nil
	require.NoError(t, f.st.SaveTask(context.Background(), task))

	resp, updated := f.post(t, "/tasks/"+id+"/retriage", ``, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bugfix", updated["task_type"])
}

func TestRebalance_ReturnsOrderedPlan(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		_, _ = f.post(t, "/tasks/intake", fmt.Sprintf(`{"title":"[acme] task %d","effort_hours":1}`, i), nil)
	}

	resp, body := f.post(t, "/plan/rebalance", `{"hours":2}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	plan := body["plan"].(map[string]any)
	entries := plan["entries"].([]any)
	assert.Len(t, entries, 2, "2h budget fits two 1h tasks")
}

func TestWebhook_BadSignature401(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.post(t, "/webhooks/trello", `{"delivery_id":"d1"}`,
		map[string]string{"X-Signature": "forged"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhook_UnknownBackend404(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.post(t, "/webhooks/jira", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhook_ValidEventAppliedAndReplayDeduped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.st.SaveTask(ctx, &types.Task{
		ID: "tsk_1", Client: "acme", Status: types.StatusPending,
		Backend: "trello", ExternalID: "card-7",
		CreatedAt: testNow, UpdatedAt: testNow, LastActivityAt: testNow,
	}))
	require.NoError(t, f.st.UpsertMapping(ctx, "trello", "card-7", "tsk_1"))

	payload := `{"delivery_id":"d1","card_id":"card-7","status":"done"}`
	sig, err := backend.Sign(config.SchemeHMACSHA256Hex, webhookSecret, []byte(payload))
	require.NoError(t, err)
	hdr := map[string]string{"X-Signature": sig}

	resp, body := f.post(t, "/webhooks/trello", payload, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["applied"])

	task, err := f.st.GetTask(ctx, "tsk_1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, task.Status)

	resp, body = f.post(t, "/webhooks/trello", payload, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["deduped"])
}

func TestRequeue_OnlyDeadLetterRows(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	row := &types.OutboxRow{IdempotencyKey: "k", Payload: []byte(`{}`), CreatedAt: testNow}
	_, err := f.st.InsertOutbox(ctx, row)
	require.NoError(t, err)

	resp, _ := f.post(t, fmt.Sprintf("/outbox/%d/requeue", row.ID), ``, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "pending row is not requeueable")

	require.NoError(t, f.st.MarkDeadLetter(ctx, row.ID, "boom", testNow))
	resp, _ = f.post(t, fmt.Sprintf("/outbox/%d/requeue", row.ID), ``, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMapping_LookupAndMiss(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.st.UpsertMapping(context.Background(), "trello", "card-9", "tsk_9"))

	resp, body := f.get(t, "/mapping/trello/card-9")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tsk_9", body["task_id"])

	resp, _ = f.get(t, "/mapping/trello/card-missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth_OK(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestOutboxStats_Empty(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.get(t, "/outbox/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
