package tasksync

import (
	"encoding/json"
	"sync"
)

// Source is the abstract "subscribe to change events" capability supplied by
// a transport (push socket, database change feed). The returned unsubscribe
// must synchronously stop delivery before it returns.
type Source interface {
	Subscribe(handler func(payload []byte)) (func(), error)
}

// OriginCounters records what the router did with traffic from one channel.
type OriginCounters struct {
	AcceptedTotal   uint64 `json:"acceptedTotal"`
	SuppressedTotal uint64 `json:"suppressedTotal"`
	MalformedTotal  uint64 `json:"malformedTotal"`
	DeletedTotal    uint64 `json:"deletedTotal"`
}

// Router subscribes to both notification channels, normalizes their payloads,
// and decides per event whether to suppress it, purge a deletion, or trigger a
// refresh of the affected sub-kind.
//
// The central correctness rule: an event whose task id is in the pending
// ledger is suppressed outright. The local optimistic state is already ahead
// of or equal to whatever the event describes, and applying it could revert a
// newer local intent with a staler server snapshot that raced ahead on the
// wire. Deletions are the one exception; they always purge.
type Router struct {
	store   *Store
	ledger  *Ledger
	overlay *Overlay
	refresh func(Kind)
	logger  Logger

	mu        sync.Mutex
	push      Source
	feed      Source
	unsubPush func()
	unsubFeed func()
	counters  map[Origin]*OriginCounters
}

func NewRouter(store *Store, ledger *Ledger, overlay *Overlay, refresh func(Kind), logger Logger) *Router {
	return &Router{
		store:   store,
		ledger:  ledger,
		overlay: overlay,
		refresh: refresh,
		logger:  logger,
		counters: map[Origin]*OriginCounters{
			OriginPush: {},
			OriginFeed: {},
		},
	}
}

// Attach subscribes to both channels. It is idempotent: any previous handlers
// are fully detached before the new ones attach, so a teardown/setup race can
// never leave two live handlers double-triggering refreshes.
func (r *Router) Attach(push, feed Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked()
	r.push = push
	r.feed = feed

	if push != nil {
		unsub, err := push.Subscribe(func(payload []byte) {
			r.HandleRaw(OriginPush, payload)
		})
		if err != nil {
			return err
		}
		r.unsubPush = unsub
	}
	if feed != nil {
		unsub, err := feed.Subscribe(func(payload []byte) {
			r.HandleRaw(OriginFeed, payload)
		})
		if err != nil {
			r.detachLocked()
			return err
		}
		r.unsubFeed = unsub
	}
	return nil
}

// Detach synchronously removes both channel handlers.
func (r *Router) Detach() {
	r.mu.Lock()
	r.detachLocked()
	r.mu.Unlock()
}

func (r *Router) detachLocked() {
	if r.unsubPush != nil {
		r.unsubPush()
		r.unsubPush = nil
	}
	if r.unsubFeed != nil {
		r.unsubFeed()
		r.unsubFeed = nil
	}
}

// HandleRaw normalizes one wire payload and routes it. Malformed payloads are
// dropped with a diagnostic log, never propagated; the channels carry
// best-effort notifications and correctness is guaranteed by refetch.
func (r *Router) HandleRaw(origin Origin, payload []byte) {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		r.countMalformed(origin)
		r.logf("dropped undecodable %s payload: %v", origin, err)
		return
	}
	var event ChangeEvent
	var ok bool
	switch origin {
	case OriginFeed:
		event, ok = NormalizeFeedPayload(decoded)
	default:
		event, ok = NormalizePushPayload(decoded)
	}
	if !ok {
		r.countMalformed(origin)
		r.logf("dropped unrecognized %s payload", origin)
		return
	}
	r.Handle(event)
}

// Handle routes one normalized event.
func (r *Router) Handle(event ChangeEvent) {
	if event.TaskID == "" {
		r.countMalformed(event.Origin)
		return
	}
	kind := r.resolveKind(event)

	if event.Kind == EventDeleted {
		// A deletion purges everything for the id, pending mutation or not.
		// An overlay on a deleted entity is a dangling reference that would
		// resurrect a ghost row on the next render.
		r.store.Delete(event.TaskID)
		r.overlay.Clear(event.TaskID)
		r.ledger.End(event.TaskID)
		r.count(event.Origin, func(c *OriginCounters) { c.DeletedTotal++ })
		return
	}

	if r.ledger.IsPending(event.TaskID) {
		r.count(event.Origin, func(c *OriginCounters) { c.SuppressedTotal++ })
		return
	}

	r.count(event.Origin, func(c *OriginCounters) { c.AcceptedTotal++ })
	r.store.Invalidate(kind)
	if r.refresh != nil {
		// Eager refetch: the user is watching the UI, and visible lag between
		// a confirmed server mutation and its effect is a defect.
		r.refresh(kind)
	}
}

func (r *Router) resolveKind(event ChangeEvent) Kind {
	if ValidKind(event.TaskKind) {
		return event.TaskKind
	}
	if existing, ok := r.store.Get(event.TaskID); ok && ValidKind(existing.Kind) {
		return existing.Kind
	}
	return KindTask
}

// Counters returns a copy of the per-origin decision counters.
func (r *Router) Counters() map[Origin]OriginCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Origin]OriginCounters, len(r.counters))
	for origin, c := range r.counters {
		out[origin] = *c
	}
	return out
}

func (r *Router) count(origin Origin, update func(*OriginCounters)) {
	r.mu.Lock()
	c, ok := r.counters[origin]
	if !ok {
		c = &OriginCounters{}
		r.counters[origin] = c
	}
	update(c)
	r.mu.Unlock()
}

func (r *Router) countMalformed(origin Origin) {
	r.count(origin, func(c *OriginCounters) { c.MalformedTotal++ })
}

func (r *Router) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
