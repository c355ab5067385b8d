package tasksync

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Mutator is the abstract "mutate state" capability. Dispatch is
// fire-and-forget from the caller's perspective; completion is signaled back
// through the session's own two-phase protocol, never awaited by the UI.
type Mutator interface {
	Mutate(ctx context.Context, id string, patch Patch, correlationID string) error
}

type SessionOptions struct {
	Fetcher    Fetcher
	Mutator    Mutator
	PushSource Source
	FeedSource Source
	Logger     Logger
}

// Session is the composition root for one signed-in user: it owns the
// canonical store, the pending-mutation ledger, the optimistic overlay, the
// change-notification router, and the reconciliation engine. It is
// constructed once per session and torn down on logout; nothing in this
// package lives in module-level state.
//
// Ledger and overlay are transient. Losing them (crash, reload) forgets
// in-flight optimism and a refresh restores canonical truth; that is a UX
// regression, never a correctness violation.
type Session struct {
	store      *Store
	ledger     *Ledger
	overlay    *Overlay
	router     *Router
	reconciler *Reconciler
	mutator    Mutator
	logger     Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	dispatchGen map[string]uint64
	closed      bool
	closeOnce   sync.Once
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Fetcher == nil || opts.Mutator == nil {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		mutator:     opts.Mutator,
		logger:      opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
		dispatchGen: map[string]uint64{},
	}
	s.store = NewStore(opts.Fetcher, opts.Logger)
	s.ledger = NewLedger()
	s.overlay = NewOverlay()
	s.reconciler = NewReconciler(s.store, s.ledger, s.overlay, opts.Logger)
	s.store.SetRefreshHook(s.reconcile)
	s.router = NewRouter(s.store, s.ledger, s.overlay, s.refreshAsync, opts.Logger)

	if opts.PushSource != nil || opts.FeedSource != nil {
		if err := s.router.Attach(opts.PushSource, opts.FeedSource); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

// Refresh synchronously refetches canonical state for one kind. Used at
// startup to seed the store.
func (s *Session) Refresh(ctx context.Context, kind Kind) error {
	return s.store.Refresh(ctx, kind)
}

// Effective returns the task with any optimistic overlay substituted in.
func (s *Session) Effective(t Task) Task {
	return s.overlay.Effective(t)
}

// EffectiveTask looks up a task by id and applies the overlay.
func (s *Session) EffectiveTask(id string) (Task, bool) {
	t, ok := s.store.Get(id)
	if !ok {
		return Task{}, false
	}
	return s.overlay.Effective(t), true
}

// EffectiveList returns the effective view of one kind.
func (s *Session) EffectiveList(kind Kind) []Task {
	tasks := s.store.List(kind)
	for i := range tasks {
		tasks[i] = s.overlay.Effective(tasks[i])
	}
	return tasks
}

// Toggle flips a task between completed and pending based on its current
// effective value, applying the optimism and dispatching the mutation in one
// call.
func (s *Session) Toggle(id string) error {
	t, ok := s.store.Get(id)
	if !ok {
		return ErrNotFound
	}
	next := StatusCompleted
	if s.overlay.Effective(t).Status == StatusCompleted {
		next = StatusPending
	}
	return s.Mutate(id, Patch{Status: &next})
}

// Mutate runs the two-phase optimistic protocol: begin (overlay write, ledger
// begin, fire-and-forget dispatch), then commit on completion (ledger end,
// eager refresh) or abort on dispatch failure (ledger end, overlay rollback).
//
// The overlay write, ledger insert, and generation bump happen before this
// function returns; the UI sees the new effective value immediately, before
// any network response.
func (s *Session) Mutate(id string, patch Patch) error {
	if id == "" || patch.IsZero() {
		return ErrInvalidInput
	}
	if patch.Status != nil && !ValidStatus(*patch.Status) {
		return ErrInvalidInput
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.dispatchGen[id]++
	gen := s.dispatchGen[id]
	// Overlay write and ledger insert happen under the same lock that
	// serializes reconciliation. A refresh landing mid-begin would otherwise
	// see the overlay entry without its ledger entry and prune the in-flight
	// intent.
	s.overlay.Apply(id, patch)
	s.ledger.Begin(id)
	s.mu.Unlock()

	kind := KindTask
	if t, ok := s.store.Get(id); ok {
		kind = t.Kind
	}
	correlationID := "mut_" + ulid.Make().String()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.mutator.Mutate(s.ctx, id, patch, correlationID)
		s.mu.Lock()
		if s.dispatchGen[id] != gen {
			// A newer mutation for this id is in flight; its own completion
			// owns the ledger entry now.
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.ledger.End(id)
			s.overlay.Clear(id)
			s.mu.Unlock()
			s.logf("mutation %s for %s failed, optimistic value rolled back: %v", correlationID, id, err)
			return
		}
		s.ledger.End(id)
		s.mu.Unlock()
		s.refreshAsync(kind)
	}()
	return nil
}

// reconcile runs the retire-or-retain pass under the session lock, so it can
// never interleave with a mutation's begin or completion phase and observe the
// ledger and overlay mid-transition.
func (s *Session) reconcile(kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciler.Reconcile(kind)
}

// refreshAsync triggers an eager background refetch of one kind. Failures
// leave overlay and ledger untouched; the next triggering event self-heals.
func (s *Session) refreshAsync(kind Kind) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		if err := s.store.Refresh(s.ctx, kind); err != nil {
			s.logf("refresh of %s failed: %v", kind, err)
		}
	}()
}

// Attach re-establishes channel subscriptions, detaching any previous
// handlers first.
func (s *Session) Attach(push, feed Source) error {
	return s.router.Attach(push, feed)
}

// Detach synchronously removes both channel handlers.
func (s *Session) Detach() {
	s.router.Detach()
}

// SessionStatus is a diagnostic snapshot for the status surface.
type SessionStatus struct {
	PendingMutations int                       `json:"pendingMutations"`
	PendingIDs       []string                  `json:"pendingIds"`
	OverlayEntries   int                       `json:"overlayEntries"`
	StaleFetches     uint64                    `json:"staleFetches"`
	Channels         map[Origin]OriginCounters `json:"channels"`
}

func (s *Session) Status() SessionStatus {
	return SessionStatus{
		PendingMutations: s.ledger.Len(),
		PendingIDs:       s.ledger.IDs(),
		OverlayEntries:   s.overlay.Len(),
		StaleFetches:     s.store.StaleFetchCount(),
		Channels:         s.router.Counters(),
	}
}

// Close detaches both channels, cancels in-flight work, and waits for
// background dispatches to finish. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.router.Detach()
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
