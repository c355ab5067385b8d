// Package changefeed subscribes to row-level task mutations streamed through
// Postgres LISTEN/NOTIFY. A database trigger publishes one JSON notification
// per insert/update/delete; payloads are handed to the handler verbatim.
package changefeed

import (
	"sync"
	"time"

	"github.com/lib/pq"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	DSN          string
	Channel      string
	MinReconnect time.Duration
	MaxReconnect time.Duration
	Logger       Logger
}

// Listener wraps a pq.Listener on one notification channel. Reconnection is
// pq's job; after a reconnect pq injects a nil notification, which is logged
// and skipped (the router's next accepted event triggers a refetch anyway, so
// a notification gap never corrupts state).
type Listener struct {
	dsn          string
	channel      string
	minReconnect time.Duration
	maxReconnect time.Duration
	logger       Logger

	mu     sync.Mutex
	active *pq.Listener
	done   chan struct{}
}

func NewListener(opts Options) *Listener {
	channel := opts.Channel
	if channel == "" {
		channel = "task_changes"
	}
	minReconnect := opts.MinReconnect
	if minReconnect <= 0 {
		minReconnect = time.Second
	}
	maxReconnect := opts.MaxReconnect
	if maxReconnect <= 0 {
		maxReconnect = time.Minute
	}
	return &Listener{
		dsn:          opts.DSN,
		channel:      channel,
		minReconnect: minReconnect,
		maxReconnect: maxReconnect,
		logger:       opts.Logger,
	}
}

// Subscribe opens the database listener and returns an unsubscribe function
// that synchronously stops delivery. A second Subscribe detaches the first.
func (l *Listener) Subscribe(handler func(payload []byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detachLocked()

	pql := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, l.listenerEvent)
	if err := pql.Listen(l.channel); err != nil {
		_ = pql.Close()
		return nil, err
	}
	done := make(chan struct{})
	l.active = pql
	l.done = done
	go l.run(pql, handler, done)

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.active == pql {
			l.detachLocked()
			return
		}
		<-done
	}, nil
}

func (l *Listener) detachLocked() {
	if l.active == nil {
		return
	}
	_ = l.active.Close()
	<-l.done
	l.active = nil
	l.done = nil
}

func (l *Listener) run(pql *pq.Listener, handler func([]byte), done chan struct{}) {
	defer close(done)
	for notification := range pql.Notify {
		if notification == nil {
			// pq signals a re-established connection this way; events may
			// have been missed while disconnected.
			l.logf("change feed reconnected; notifications may have been dropped")
			continue
		}
		handler([]byte(notification.Extra))
	}
}

func (l *Listener) listenerEvent(event pq.ListenerEventType, err error) {
	if err != nil {
		l.logf("change feed listener event %d: %v", event, err)
	}
}

func (l *Listener) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}
