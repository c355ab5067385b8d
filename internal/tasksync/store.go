package tasksync

import (
	"context"
	"sort"
	"sync"
)

// Fetcher is the abstract "fetch canonical state" capability. It must be an
// idempotent, side-effect-free read of current server truth for one sub-kind.
type Fetcher interface {
	FetchCanonical(ctx context.Context, kind Kind) ([]Task, error)
}

// Store holds the last-known canonical representation of every task, keyed by
// id and partitioned by sub-kind. It is the only structure permitted to hold
// canonical data; overlay and ledger are transient and reconstructable.
//
// Refreshes are sequenced per kind with monotonic counters: a fetch response
// that completes after a newer refresh has already been applied is discarded
// rather than letting an out-of-order network response roll the cache back.
type Store struct {
	mu           sync.RWMutex
	fetcher      Fetcher
	logger       Logger
	byID         map[string]Task
	stale        map[Kind]bool
	issuedSeq    map[Kind]uint64
	appliedSeq   map[Kind]uint64
	staleFetches uint64
	onRefresh    func(Kind)
}

func NewStore(fetcher Fetcher, logger Logger) *Store {
	return &Store{
		fetcher:    fetcher,
		logger:     logger,
		byID:       map[string]Task{},
		stale:      map[Kind]bool{},
		issuedSeq:  map[Kind]uint64{},
		appliedSeq: map[Kind]uint64{},
	}
}

// SetRefreshHook registers a callback invoked after every applied refresh,
// outside the store lock. The reconciliation engine hangs off this hook.
func (s *Store) SetRefreshHook(hook func(Kind)) {
	s.mu.Lock()
	s.onRefresh = hook
	s.mu.Unlock()
}

// Refresh fetches canonical state for one kind and replaces that kind's slice
// of the cache wholesale. A failed fetch leaves the previous snapshot and any
// optimistic state untouched; showing a stale value is preferable to reverting
// to an unknown one.
func (s *Store) Refresh(ctx context.Context, kind Kind) error {
	if !ValidKind(kind) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	s.issuedSeq[kind]++
	seq := s.issuedSeq[kind]
	s.mu.Unlock()

	tasks, err := s.fetcher.FetchCanonical(ctx, kind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if seq <= s.appliedSeq[kind] {
		s.staleFetches++
		s.mu.Unlock()
		s.logf("discarded stale fetch response for kind %s (seq %d)", kind, seq)
		return nil
	}
	s.appliedSeq[kind] = seq
	for id, existing := range s.byID {
		if existing.Kind == kind {
			delete(s.byID, id)
		}
	}
	for _, t := range tasks {
		if t.ID == "" {
			continue
		}
		if t.Kind == "" {
			t.Kind = kind
		}
		s.byID[t.ID] = t
	}
	s.stale[kind] = false
	hook := s.onRefresh
	s.mu.Unlock()

	if hook != nil {
		hook(kind)
	}
	return nil
}

// Invalidate marks a kind stale without fetching. The router pairs this with
// an eager refresh so the next read never has to discover staleness itself.
func (s *Store) Invalidate(kind Kind) {
	s.mu.Lock()
	s.stale[kind] = true
	s.mu.Unlock()
}

func (s *Store) IsStale(kind Kind) bool {
	s.mu.RLock()
	stale := s.stale[kind]
	s.mu.RUnlock()
	return stale
}

func (s *Store) Get(id string) (Task, bool) {
	s.mu.RLock()
	t, ok := s.byID[id]
	s.mu.RUnlock()
	return t, ok
}

// List returns the canonical tasks of one kind sorted by id.
func (s *Store) List(kind Kind) []Task {
	s.mu.RLock()
	tasks := make([]Task, 0, len(s.byID))
	for _, t := range s.byID {
		if t.Kind == kind {
			tasks = append(tasks, t)
		}
	}
	s.mu.RUnlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// Delete removes an entity directly, bypassing refresh. Used for deletion
// events so a ghost row can never be resurrected by an overlay.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.byID[id]
	delete(s.byID, id)
	s.mu.Unlock()
	return ok
}

// StaleFetchCount reports how many out-of-order fetch responses were dropped.
func (s *Store) StaleFetchCount() uint64 {
	s.mu.RLock()
	n := s.staleFetches
	s.mu.RUnlock()
	return n
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
