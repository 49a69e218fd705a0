package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskwire/taskwire/internal/config"
)

// REST is the generic JSON-over-HTTP adapter. Provider differences live in
// BackendConf (base URL, auth env var, signature scheme, response field
// names); the call mechanics are shared. Every mutation sends the caller's
// idempotency key in the Idempotency-Key header and respects the
// per-provider rate limit.
type REST struct {
	conf       config.BackendConf
	client     *http.Client
	listClient *http.Client // list responses can be large; they get a longer timeout
	limiter    *rate.Limiter

	mu   sync.Mutex
	memo map[string]string // idempotency key → external id, for redelivered creates
}

// NewREST builds the adapter for one configured backend.
func NewREST(conf config.BackendConf, timeout, listTimeout time.Duration) *REST {
	per := conf.RatePerSec
	if per <= 0 {
		per = 5
	}
	burst := conf.Burst
	if burst <= 0 {
		burst = int(per)
	}
	return &REST{
		conf:       conf,
		client:     &http.Client{Timeout: timeout},
		listClient: &http.Client{Timeout: listTimeout},
		limiter:    rate.NewLimiter(rate.Limit(per), burst),
		memo:       make(map[string]string),
	}
}

func (r *REST) Name() string { return r.conf.Name }

func (r *REST) CreateTask(ctx context.Context, payload []byte, idempotencyKey string) (string, error) {
	r.mu.Lock()
	if id, ok := r.memo[idempotencyKey]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	body, err := r.do(ctx, http.MethodPost, "/tasks", payload, idempotencyKey)
	if err != nil {
		return "", err
	}
	id := extractField(body, r.conf.ExternalIDFields)
	if id == "" {
		return "", &Error{Class: ClassPermanent, Msg: "create response missing external id"}
	}
	r.mu.Lock()
	r.memo[idempotencyKey] = id
	r.mu.Unlock()
	return id, nil
}

func (r *REST) AddSubtask(ctx context.Context, externalID string, payload []byte, idempotencyKey string) error {
	_, err := r.do(ctx, http.MethodPost, "/tasks/"+externalID+"/subtasks", payload, idempotencyKey)
	return err
}

func (r *REST) AddChecklistItem(ctx context.Context, externalID string, payload []byte, idempotencyKey string) error {
	_, err := r.do(ctx, http.MethodPost, "/tasks/"+externalID+"/checklist", payload, idempotencyKey)
	return err
}

func (r *REST) UpdateTask(ctx context.Context, externalID string, payload []byte, idempotencyKey string) error {
	_, err := r.do(ctx, http.MethodPatch, "/tasks/"+externalID, payload, idempotencyKey)
	return err
}

func (r *REST) Notify(ctx context.Context, payload []byte, idempotencyKey string) error {
	_, err := r.do(ctx, http.MethodPost, "/notifications", payload, idempotencyKey)
	return err
}

func (r *REST) ListTasks(ctx context.Context) ([]RemoteTask, error) {
	body, err := r.doWith(ctx, r.listClient, http.MethodGet, "/tasks", nil, "")
	if err != nil {
		return nil, err
	}
	var raw []map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	out := make([]RemoteTask, 0, len(raw))
	for _, item := range raw {
		enc, _ := json.Marshal(item)
		rt := RemoteTask{ExternalID: extractField(enc, r.conf.ExternalIDFields)}
		if v, ok := item["title"].(string); ok {
			rt.Title = v
		}
		if v, ok := item["status"].(string); ok {
			rt.Status = v
		}
		out = append(out, rt)
	}
	return out, nil
}

func (r *REST) VerifyWebhook(signature string, body []byte) error {
	return VerifySignature(r.conf.SignatureScheme, r.conf.WebhookSecret(), signature, body)
}

func (r *REST) CreateWebhook(ctx context.Context, callbackURL string) error {
	payload, _ := json.Marshal(map[string]string{"url": callbackURL})
	_, err := r.do(ctx, http.MethodPost, "/webhooks", payload, "")
	return err
}

// do issues one request. Non-2xx responses become classified *Error values;
// the response body is never logged (it may echo payload contents).
func (r *REST) do(ctx context.Context, method, path string, payload []byte, idempotencyKey string) ([]byte, error) {
	return r.doWith(ctx, r.client, method, path, payload, idempotencyKey)
}

func (r *REST) doWith(ctx context.Context, client *http.Client, method, path string, payload []byte, idempotencyKey string) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate wait: %w", err)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.conf.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := r.conf.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Msg: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Class: ClassTransient, Msg: "read response: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Class:      classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Msg:        method + " " + path,
		}
	}
	return data, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// extractField returns the first of the named top-level fields present in
// the JSON object, stringified.
func extractField(body []byte, fields []string) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	for _, f := range fields {
		switch v := obj[f].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
