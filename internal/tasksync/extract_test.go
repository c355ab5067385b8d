package tasksync

import (
	"encoding/json"
	"testing"
)

func decodePayload(t *testing.T, raw string) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("bad test payload: %v", err)
	}
	return payload
}

func TestNormalizePushDirectObject(t *testing.T) {
	event, ok := NormalizePushPayload(decodePayload(t, `{"id": "t1", "status": "completed", "kind": "task"}`))
	if !ok {
		t.Fatalf("direct object not recognized")
	}
	if event.TaskID != "t1" || event.Kind != EventUpdated || event.TaskKind != KindTask || event.Origin != OriginPush {
		t.Fatalf("event = %+v", event)
	}
}

func TestNormalizePushNamedEntityField(t *testing.T) {
	for _, field := range []string{"task", "todo", "item"} {
		event, ok := NormalizePushPayload(decodePayload(t, `{"type": "task.updated", "`+field+`": {"id": "t1", "status": "pending"}}`))
		if !ok {
			t.Fatalf("field %q not recognized", field)
		}
		if event.TaskID != "t1" || event.Kind != EventUpdated {
			t.Fatalf("field %q: event = %+v", field, event)
		}
	}
}

func TestNormalizePushOperationWrappers(t *testing.T) {
	cases := []struct {
		wrapper string
		want    EventKind
	}{
		{"new_item", EventCreated},
		{"new_task", EventCreated},
		{"updated_item", EventUpdated},
		{"updated_task", EventUpdated},
		{"deleted_item", EventDeleted},
		{"deleted_task", EventDeleted},
	}
	for _, tc := range cases {
		event, ok := NormalizePushPayload(decodePayload(t, `{"`+tc.wrapper+`": {"id": "t1"}}`))
		if !ok {
			t.Fatalf("wrapper %q not recognized", tc.wrapper)
		}
		if event.Kind != tc.want {
			t.Fatalf("wrapper %q: kind = %s, want %s", tc.wrapper, event.Kind, tc.want)
		}
	}
}

func TestNormalizePushDataEnvelope(t *testing.T) {
	raw := `{"data": {"updated_item": {"task": {"id": "t1", "status": "completed"}}}}`
	event, ok := NormalizePushPayload(decodePayload(t, raw))
	if !ok {
		t.Fatalf("nested data envelope not recognized")
	}
	if event.TaskID != "t1" || event.Kind != EventUpdated {
		t.Fatalf("event = %+v", event)
	}
}

func TestNormalizePushTypeHint(t *testing.T) {
	cases := []struct {
		typ  string
		want EventKind
	}{
		{"item.deleted", EventDeleted},
		{"task.created", EventCreated},
		{"new_task", EventCreated},
		{"task.completed", EventUpdated},
		{"sync.changed", EventUpdated},
	}
	for _, tc := range cases {
		event, ok := NormalizePushPayload(decodePayload(t, `{"type": "`+tc.typ+`", "task": {"id": "t1"}}`))
		if !ok {
			t.Fatalf("type %q not recognized", tc.typ)
		}
		if event.Kind != tc.want {
			t.Fatalf("type %q: kind = %s, want %s", tc.typ, event.Kind, tc.want)
		}
	}
}

func TestNormalizePushUnrecognizedShapes(t *testing.T) {
	for _, raw := range []string{
		`{"foo": "bar"}`,
		`{"task": {"title": "no id"}}`,
		`{"id": ""}`,
		`{"id": "t1", "status": "nonsense"}`,
		`{"data": {"data": {"data": {"data": {"id": "t1"}}}}}`,
	} {
		if _, ok := NormalizePushPayload(decodePayload(t, raw)); ok {
			t.Fatalf("payload %s unexpectedly normalized", raw)
		}
	}
}

func TestNormalizeFeedPayload(t *testing.T) {
	cases := []struct {
		raw      string
		wantKind EventKind
		wantTask Kind
	}{
		{`{"table": "tasks", "op": "INSERT", "record": {"id": "t1", "status": "pending"}}`, EventCreated, KindTask},
		{`{"table": "tasks", "op": "UPDATE", "record": {"id": "t1", "status": "completed"}}`, EventUpdated, KindTask},
		{`{"table": "quick_todos", "op": "UPDATE", "record": {"id": "q1"}}`, EventUpdated, KindQuickTodo},
		{`{"table": "tasks", "op": "DELETE", "old_record": {"id": "t1"}}`, EventDeleted, KindTask},
	}
	for _, tc := range cases {
		event, ok := NormalizeFeedPayload(decodePayload(t, tc.raw))
		if !ok {
			t.Fatalf("payload %s not recognized", tc.raw)
		}
		if event.Kind != tc.wantKind || event.TaskKind != tc.wantTask || event.Origin != OriginFeed {
			t.Fatalf("payload %s: event = %+v", tc.raw, event)
		}
	}
}

func TestNormalizeFeedPayloadRejectsUnknownOp(t *testing.T) {
	if _, ok := NormalizeFeedPayload(decodePayload(t, `{"table": "tasks", "op": "TRUNCATE", "record": {"id": "t1"}}`)); ok {
		t.Fatalf("unknown op normalized")
	}
	if _, ok := NormalizeFeedPayload(decodePayload(t, `{"table": "tasks", "op": "UPDATE"}`)); ok {
		t.Fatalf("payload without record normalized")
	}
}

func TestEntityKindOverridesTable(t *testing.T) {
	raw := `{"table": "tasks", "op": "UPDATE", "record": {"id": "q1", "kind": "quick_todo"}}`
	event, ok := NormalizeFeedPayload(decodePayload(t, raw))
	if !ok {
		t.Fatalf("payload not recognized")
	}
	if event.TaskKind != KindQuickTodo {
		t.Fatalf("entity kind lost to table name: %+v", event)
	}
}

func TestTaskFromPayload(t *testing.T) {
	entity := decodePayload(t, `{"id": "t1", "kind": "task", "status": "completed", "title": "ship it", "due_date": "2026-09-01T12:00:00Z"}`)
	task := TaskFromPayload(entity)
	if task.ID != "t1" || task.Kind != KindTask || task.Status != StatusCompleted || task.Title != "ship it" {
		t.Fatalf("task = %+v", task)
	}
	if task.DueDate == nil || task.DueDate.UTC().Format("2006-01-02") != "2026-09-01" {
		t.Fatalf("due date = %v", task.DueDate)
	}

	noDue := TaskFromPayload(decodePayload(t, `{"id": "t2", "due_date": "not a date"}`))
	if noDue.DueDate != nil {
		t.Fatalf("unparseable due date produced %v", noDue.DueDate)
	}
}
