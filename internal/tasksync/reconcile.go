package tasksync

// Reconciler retires optimistic overlay entries once canonical state agrees
// with or supersedes them. It runs as a pure reaction to "the store for kind K
// was refreshed".
//
// Reconcile reads the ledger and overlay across several steps; the caller must
// serialize it against mutation begin/commit phases (the session runs it under
// its own lock).
type Reconciler struct {
	store   *Store
	ledger  *Ledger
	overlay *Overlay
	logger  Logger
}

func NewReconciler(store *Store, ledger *Ledger, overlay *Overlay, logger Logger) *Reconciler {
	return &Reconciler{store: store, ledger: ledger, overlay: overlay, logger: logger}
}

// Reconcile walks every overlay entry for the refreshed kind and decides
// retire-or-retain.
//
// No canonical entity for the id: retain. Absence may itself be the staleness
// the ledger is protecting against (a fetch window that predates the create),
// so pruning here could drop a live intent.
//
// Canonical entity present: prune when the ledger no longer lists the id as
// pending, or when the canonical value already equals the overlay's intent.
// Both signals are checked because mutation completion and push confirmation
// can land in either order: pruning on ledger-clear alone would flash stale
// server data for a frame when the refetch hasn't landed, and pruning on
// value-match alone would retain dead overlays forever after a dropped
// completion callback.
func (r *Reconciler) Reconcile(kind Kind) {
	for _, id := range r.overlay.IDs() {
		canonical, ok := r.store.Get(id)
		if !ok {
			continue
		}
		if canonical.Kind != kind {
			continue
		}
		patch, ok := r.overlay.Get(id)
		if !ok {
			continue
		}
		if !r.ledger.IsPending(id) || patch.Matches(canonical) {
			r.overlay.Clear(id)
			// The ledger entry is retired with the overlay. If the server
			// already shows the intended value, a lost completion callback
			// must not leave the id suppressing events forever.
			r.ledger.End(id)
			r.logf("retired overlay for %s", id)
		}
	}
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
