// Package advisor calls the optional remote refinement service. The
// advisor only ever suggests: its output is an allow-listed delta merged by
// triage, and any failure (timeout, error, open breaker) degrades to the
// deterministic rule-based result. A circuit breaker keeps a down advisor
// from adding latency to every intake.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/types"
)

// ErrUnavailable covers every advisor failure mode the caller should
// degrade on: network errors, non-200 responses, and an open breaker.
var ErrUnavailable = errors.New("advisor: unavailable")

// Advisor refines a task snapshot into a suggestion.
type Advisor interface {
	Refine(ctx context.Context, snap types.Snapshot) (types.Suggestion, error)
}

// Client is the HTTP advisor client.
type Client struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewClient builds the client from config. The breaker opens after the
// configured number of consecutive failures and half-opens after the
// cooldown.
func NewClient(cfg config.Advisor, log *zap.Logger) *Client {
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = 5
	}
	cooldown := time.Duration(cfg.BreakerCooldown) * time.Second
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "advisor",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn("advisor breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Client{
		url:     cfg.URL,
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		breaker: cb,
		log:     log,
	}
}

// Refine posts the snapshot and decodes the suggestion. All failures come
// back wrapped in ErrUnavailable.
func (c *Client) Refine(ctx context.Context, snap types.Snapshot) (types.Suggestion, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, snap)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.Suggestion{}, fmt.Errorf("%w: breaker open", ErrUnavailable)
		}
		return types.Suggestion{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out.(types.Suggestion), nil
}

func (c *Client) post(ctx context.Context, snap types.Snapshot) (types.Suggestion, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return types.Suggestion{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/refine", bytes.NewReader(body))
	if err != nil {
		return types.Suggestion{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Suggestion{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.Suggestion{}, fmt.Errorf("advisor status %d", resp.StatusCode)
	}

	var s types.Suggestion
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&s); err != nil {
		return types.Suggestion{}, fmt.Errorf("decode suggestion: %w", err)
	}
	return s, nil
}

// Stub is a canned advisor for tests and dev mode.
type Stub struct {
	Suggestion types.Suggestion
	Err        error
	Calls      int
}

func (s *Stub) Refine(context.Context, types.Snapshot) (types.Suggestion, error) {
	s.Calls++
	if s.Err != nil {
		return types.Suggestion{}, s.Err
	}
	return s.Suggestion, nil
}

// SnapshotOf projects the advisor-visible view of a task: content only, no
// status, identity bindings, or credentials.
func SnapshotOf(t *types.Task) types.Snapshot {
	subs := make([]string, len(t.Subtasks))
	for i, st := range t.Subtasks {
		subs[i] = st.Title
	}
	return types.Snapshot{
		Title:       t.Title,
		Description: t.Description,
		Type:        t.Type,
		Client:      t.Client,
		Deadline:    t.Deadline,
		Importance:  t.Importance,
		Labels:      t.Labels,
		Subtasks:    subs,
	}
}
