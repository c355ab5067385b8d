package tasksync

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("session closed")
)

// Kind discriminates the two task sub-kinds. Each kind has its own canonical
// cache and is refreshed independently.
type Kind string

const (
	KindTask      Kind = "task"
	KindQuickTodo Kind = "quick_todo"
)

// Kinds lists every known sub-kind in refresh order.
var Kinds = []Kind{KindTask, KindQuickTodo}

func ValidKind(k Kind) bool {
	return k == KindTask || k == KindQuickTodo
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Task is the canonical entity. Identity is the ID; every other field is
// replaceable wholesale on refresh.
type Task struct {
	ID      string         `json:"id"`
	Kind    Kind           `json:"kind"`
	Status  Status         `json:"status"`
	Title   string         `json:"title,omitempty"`
	DueDate *time.Time     `json:"due_date,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Origin records which channel delivered an event. It is kept for diagnostics
// only; both origins carry equal trust once normalized.
type Origin string

const (
	OriginPush Origin = "push"
	OriginFeed Origin = "change-feed"
)

// ChangeEvent is the normalized shape every channel payload reduces to before
// the router decides what to do with it.
type ChangeEvent struct {
	TaskID   string
	Kind     EventKind
	TaskKind Kind
	Origin   Origin
}

// Logger matches the subset of *log.Logger the package needs. A nil Logger is
// always acceptable.
type Logger interface {
	Printf(format string, args ...any)
}
