package backend

import (
	"context"
	"fmt"
	"sync"
)

// Stub is an in-process Backend for tests and dev mode. It records every
// mutation and can be primed to fail the next N calls with a given error.
type Stub struct {
	name string

	mu       sync.Mutex
	nextID   int
	failures int
	failWith error
	created  map[string]string // idempotency key → external id
	Calls    []StubCall
}

// StubCall is one recorded mutation.
type StubCall struct {
	Op             string
	ExternalID     string
	IdempotencyKey string
	Payload        []byte
}

// NewStub returns an empty stub backend.
func NewStub(name string) *Stub {
	return &Stub{name: name, created: make(map[string]string)}
}

// FailNext makes the next n mutations return err.
func (s *Stub) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failWith = err
}

func (s *Stub) Name() string { return s.name }

func (s *Stub) CreateTask(_ context.Context, payload []byte, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return "", err
	}
	if id, ok := s.created[key]; ok {
		return id, nil
	}
	s.nextID++
	id := fmt.Sprintf("ext-%d", s.nextID)
	s.created[key] = id
	s.Calls = append(s.Calls, StubCall{Op: "create_task", ExternalID: id, IdempotencyKey: key, Payload: payload})
	return id, nil
}

func (s *Stub) AddSubtask(_ context.Context, externalID string, payload []byte, key string) error {
	return s.record("add_subtask", externalID, payload, key)
}

func (s *Stub) AddChecklistItem(_ context.Context, externalID string, payload []byte, key string) error {
	return s.record("add_checklist_item", externalID, payload, key)
}

func (s *Stub) UpdateTask(_ context.Context, externalID string, payload []byte, key string) error {
	return s.record("update_task", externalID, payload, key)
}

func (s *Stub) Notify(_ context.Context, payload []byte, key string) error {
	return s.record("notify", "", payload, key)
}

func (s *Stub) ListTasks(context.Context) ([]RemoteTask, error) { return nil, nil }

func (s *Stub) VerifyWebhook(string, []byte) error { return nil }

func (s *Stub) CreateWebhook(context.Context, string) error { return nil }

func (s *Stub) record(op, externalID string, payload []byte, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return err
	}
	s.Calls = append(s.Calls, StubCall{Op: op, ExternalID: externalID, IdempotencyKey: key, Payload: payload})
	return nil
}

func (s *Stub) maybeFail() error {
	if s.failures > 0 {
		s.failures--
		return s.failWith
	}
	return nil
}

// CallCount returns how many mutations of op were recorded.
func (s *Stub) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, c := range s.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}
