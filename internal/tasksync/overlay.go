package tasksync

import (
	"sort"
	"sync"
	"time"
)

// Patch is a locally-desired field delta. Nil fields are "no intent"; set
// fields always supersede older intents for the same field (last write wins,
// never a union of deltas).
type Patch struct {
	Status       *Status
	DueDate      *time.Time
	ClearDueDate bool
}

func (p Patch) IsZero() bool {
	return p.Status == nil && p.DueDate == nil && !p.ClearDueDate
}

// Matches reports whether the canonical task already carries every value the
// patch intends. Unset patch fields match trivially.
func (p Patch) Matches(t Task) bool {
	if p.Status != nil && t.Status != *p.Status {
		return false
	}
	if p.ClearDueDate {
		if t.DueDate != nil {
			return false
		}
	} else if p.DueDate != nil {
		if t.DueDate == nil || !t.DueDate.Equal(*p.DueDate) {
			return false
		}
	}
	return true
}

func (p Patch) applyTo(t Task) Task {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	return t
}

func (p Patch) merge(next Patch) Patch {
	if next.Status != nil {
		p.Status = next.Status
	}
	if next.ClearDueDate {
		p.ClearDueDate = true
		p.DueDate = nil
	} else if next.DueDate != nil {
		p.DueDate = next.DueDate
		p.ClearDueDate = false
	}
	return p
}

// Overlay maps task ids to not-yet-confirmed local deltas. Entries are created
// at the moment of an optimistic mutation and destroyed only by reconciliation
// (or a deletion purge); Effective substitutes them into canonical tasks on
// every read.
type Overlay struct {
	mu      sync.RWMutex
	entries map[string]Patch
}

func NewOverlay() *Overlay {
	return &Overlay{entries: map[string]Patch{}}
}

func (o *Overlay) Apply(id string, patch Patch) {
	if id == "" || patch.IsZero() {
		return
	}
	o.mu.Lock()
	o.entries[id] = o.entries[id].merge(patch)
	o.mu.Unlock()
}

func (o *Overlay) Get(id string) (Patch, bool) {
	o.mu.RLock()
	patch, ok := o.entries[id]
	o.mu.RUnlock()
	return patch, ok
}

func (o *Overlay) Clear(id string) {
	o.mu.Lock()
	delete(o.entries, id)
	o.mu.Unlock()
}

// Effective returns the task with any overlay fields substituted in. It is
// pure and synchronous; it is called on every render pass.
func (o *Overlay) Effective(t Task) Task {
	o.mu.RLock()
	patch, ok := o.entries[t.ID]
	o.mu.RUnlock()
	if !ok {
		return t
	}
	return patch.applyTo(t)
}

func (o *Overlay) Len() int {
	o.mu.RLock()
	n := len(o.entries)
	o.mu.RUnlock()
	return n
}

func (o *Overlay) IDs() []string {
	o.mu.RLock()
	ids := make([]string, 0, len(o.entries))
	for id := range o.entries {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
