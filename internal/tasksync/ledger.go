package tasksync

import (
	"sort"
	"sync"
)

// Ledger is the set of task ids with an in-flight local mutation that has not
// yet been confirmed by a canonical refresh. It is presence-only; there is no
// payload. Both Begin and End are no-ops when the id is already in the desired
// state, because completion callbacks and later begin/end pairs on the same id
// can interleave in any order and the ledger must converge rather than error.
type Ledger struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{pending: map[string]struct{}{}}
}

func (l *Ledger) Begin(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	l.pending[id] = struct{}{}
	l.mu.Unlock()
}

func (l *Ledger) End(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func (l *Ledger) IsPending(id string) bool {
	l.mu.Lock()
	_, ok := l.pending[id]
	l.mu.Unlock()
	return ok
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	n := len(l.pending)
	l.mu.Unlock()
	return n
}

// IDs returns the pending ids in sorted order for status reporting.
func (l *Ledger) IDs() []string {
	l.mu.Lock()
	ids := make([]string, 0, len(l.pending))
	for id := range l.pending {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	sort.Strings(ids)
	return ids
}
