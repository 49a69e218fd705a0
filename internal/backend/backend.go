// Package backend abstracts the third-party task systems behind a
// capability interface. Adapters translate outbox operations into
// provider HTTP calls, classify failures for the retry policy, and verify
// inbound webhook signatures. The orchestrator never talks to a provider
// except through this interface.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class buckets a delivery failure for the retry policy.
type Class int

const (
	// ClassTransient failures (5xx, network, timeout) are retried with backoff.
	ClassTransient Class = iota
	// ClassPermanent failures (4xx other than 408/429) go straight to dead letter.
	ClassPermanent
	// ClassRateLimited failures retry after the provider-suggested delay.
	ClassRateLimited
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// Error is a classified backend failure.
type Error struct {
	Class      Class
	StatusCode int           // 0 for network-level failures
	RetryAfter time.Duration // 0 unless the provider suggested a delay
	Msg        string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend: %s (status %d)", e.Msg, e.StatusCode)
	}
	return "backend: " + e.Msg
}

// Classify extracts the failure class. Unclassified errors (plain network
// errors, context deadline) count as transient: retrying is the safe default
// because every mutation carries an idempotency key.
func Classify(err error) Class {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	return ClassTransient
}

// RetryAfter returns the provider-suggested delay, or 0.
func RetryAfter(err error) time.Duration {
	var be *Error
	if errors.As(err, &be) {
		return be.RetryAfter
	}
	return 0
}

// classifyStatus maps an HTTP status to a failure class.
func classifyStatus(status int) Class {
	switch {
	case status == 429:
		return ClassRateLimited
	case status == 408 || status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// RemoteTask is a provider-side task as seen during reconciliation.
type RemoteTask struct {
	ExternalID string
	Title      string
	Status     string
	UpdatedAt  time.Time
}

// Backend is the capability surface a provider adapter must implement.
// Every mutation takes the caller's idempotency key so a redelivered outbox
// row produces at most one provider-side effect.
type Backend interface {
	Name() string

	// CreateTask creates a provider task and returns its external id.
	CreateTask(ctx context.Context, payload []byte, idempotencyKey string) (string, error)
	AddSubtask(ctx context.Context, externalID string, payload []byte, idempotencyKey string) error
	AddChecklistItem(ctx context.Context, externalID string, payload []byte, idempotencyKey string) error
	UpdateTask(ctx context.Context, externalID string, payload []byte, idempotencyKey string) error
	// Notify posts a non-task notification (digest, nudge).
	Notify(ctx context.Context, payload []byte, idempotencyKey string) error

	// ListTasks pages through provider tasks for reconciliation.
	ListTasks(ctx context.Context) ([]RemoteTask, error)

	// VerifyWebhook checks the signature header value against the raw body.
	VerifyWebhook(signature string, body []byte) error
	// CreateWebhook registers callbackURL with the provider.
	CreateWebhook(ctx context.Context, callbackURL string) error
}

// Registry resolves adapters by backend name.
type Registry map[string]Backend

// Get returns the adapter for name.
func (r Registry) Get(name string) (Backend, bool) {
	b, ok := r[name]
	return b, ok
}
