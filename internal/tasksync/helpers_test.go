package tasksync

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusPtr(s Status) *Status {
	return &s
}

type fakeFetcher struct {
	mu     sync.Mutex
	byKind map[Kind][]Task
	err    error
	calls  map[Kind]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{byKind: map[Kind][]Task{}, calls: map[Kind]int{}}
}

func (f *fakeFetcher) set(kind Kind, tasks ...Task) {
	f.mu.Lock()
	f.byKind[kind] = tasks
	f.mu.Unlock()
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount(kind Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeFetcher) FetchCanonical(ctx context.Context, kind Kind) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind]++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Task(nil), f.byKind[kind]...), nil
}

type mutation struct {
	ID            string
	Patch         Patch
	CorrelationID string
}

type fakeMutator struct {
	mu      sync.Mutex
	err     error
	calls   []mutation
	release chan struct{}
}

func newFakeMutator() *fakeMutator {
	return &fakeMutator{}
}

// hold makes every Mutate block until unblock is called, so tests can keep a
// mutation in flight deliberately.
func (m *fakeMutator) hold() {
	m.mu.Lock()
	m.release = make(chan struct{})
	m.mu.Unlock()
}

func (m *fakeMutator) unblock() {
	m.mu.Lock()
	if m.release != nil {
		close(m.release)
		m.release = nil
	}
	m.mu.Unlock()
}

func (m *fakeMutator) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *fakeMutator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *fakeMutator) Mutate(ctx context.Context, id string, patch Patch, correlationID string) error {
	m.mu.Lock()
	m.calls = append(m.calls, mutation{ID: id, Patch: patch, CorrelationID: correlationID})
	release := m.release
	err := m.err
	m.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

type fakeSource struct {
	mu         sync.Mutex
	handlers   map[int]func([]byte)
	nextID     int
	subscribed int
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: map[int]func([]byte){}}
}

func (s *fakeSource) Subscribe(handler func(payload []byte)) (func(), error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	s.subscribed++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}, nil
}

func (s *fakeSource) emit(payload []byte) {
	s.mu.Lock()
	handlers := make([]func([]byte), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (s *fakeSource) liveHandlers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}
