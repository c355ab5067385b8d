package tasksync

import (
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Push payloads arrive in several envelope shapes because multiple backend
// producers emit events independently. Each known unwrap path is tried in a
// fixed priority order; a payload that matches none of them is expected
// traffic, not a failure, and normalizes to nothing.
//
// Known shapes, in priority order:
//
//	{"id": "t1", "status": "completed", ...}                          direct
//	{"type": "task.updated", "task": {...}}                           named field
//	{"updated_item": {"task": {...}}}                                 operation wrapper
//	{"data": <any of the above>}                                      data envelope
const taskPayloadSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"status": {"enum": ["pending", "in_progress", "completed", "cancelled"]},
		"kind": {"enum": ["task", "quick_todo"]},
		"title": {"type": "string"},
		"due_date": {"type": ["string", "null"]}
	}
}`

var taskSchema = mustCompileTaskSchema()

func mustCompileTaskSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskPayloadSchema))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("task.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("task.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// entityFields are the named fields a producer may nest the entity under.
var entityFields = []string{"task", "todo", "item"}

// operationWrappers map operation-specific wrapper keys to the event kind they
// imply. Order is fixed; the first present key wins.
var operationWrappers = []struct {
	key  string
	kind EventKind
}{
	{"new_item", EventCreated},
	{"new_task", EventCreated},
	{"updated_item", EventUpdated},
	{"updated_task", EventUpdated},
	{"deleted_item", EventDeleted},
	{"deleted_task", EventDeleted},
}

// NormalizePushPayload reduces a push-channel payload to the internal event
// shape. The boolean is false when no entity could be found after all unwrap
// attempts; callers treat that as a silent no-op.
func NormalizePushPayload(payload map[string]any) (ChangeEvent, bool) {
	return normalizePush(payload, "", 0)
}

func normalizePush(payload map[string]any, kindHint EventKind, depth int) (ChangeEvent, bool) {
	if payload == nil || depth > 3 {
		return ChangeEvent{}, false
	}
	if hint, ok := eventKindFromType(typeField(payload)); ok {
		kindHint = hint
	}

	if entity, ok := validTaskObject(payload); ok {
		return eventFromEntity(entity, kindHint, OriginPush), true
	}
	for _, field := range entityFields {
		if inner, ok := payload[field].(map[string]any); ok {
			if entity, ok := validTaskObject(inner); ok {
				return eventFromEntity(entity, kindHint, OriginPush), true
			}
		}
	}
	for _, wrapper := range operationWrappers {
		inner, ok := payload[wrapper.key].(map[string]any)
		if !ok {
			continue
		}
		if event, ok := normalizePush(inner, wrapper.kind, depth+1); ok {
			return event, true
		}
	}
	if inner, ok := payload["data"].(map[string]any); ok {
		if event, ok := normalizePush(inner, kindHint, depth+1); ok {
			return event, true
		}
	}
	return ChangeEvent{}, false
}

// NormalizeFeedPayload reduces a change-feed row notification of the shape
// {"table": ..., "op": INSERT|UPDATE|DELETE, "record": {...}} to the internal
// event shape.
func NormalizeFeedPayload(payload map[string]any) (ChangeEvent, bool) {
	if payload == nil {
		return ChangeEvent{}, false
	}
	var kind EventKind
	switch strings.ToUpper(strings.TrimSpace(toString(payload["op"]))) {
	case "INSERT":
		kind = EventCreated
	case "UPDATE":
		kind = EventUpdated
	case "DELETE":
		kind = EventDeleted
	default:
		return ChangeEvent{}, false
	}
	record, ok := payload["record"].(map[string]any)
	if !ok {
		if record, ok = payload["old_record"].(map[string]any); !ok {
			return ChangeEvent{}, false
		}
	}
	entity, ok := validTaskObject(record)
	if !ok {
		return ChangeEvent{}, false
	}
	event := eventFromEntity(entity, kind, OriginFeed)
	if event.TaskKind == "" {
		event.TaskKind = kindFromTable(toString(payload["table"]))
	}
	return event, true
}

func validTaskObject(candidate map[string]any) (map[string]any, bool) {
	if candidate == nil {
		return nil, false
	}
	if toString(candidate["id"]) == "" {
		return nil, false
	}
	if err := taskSchema.Validate(candidate); err != nil {
		return nil, false
	}
	return candidate, true
}

func eventFromEntity(entity map[string]any, kind EventKind, origin Origin) ChangeEvent {
	if kind == "" {
		kind = EventUpdated
	}
	event := ChangeEvent{
		TaskID: toString(entity["id"]),
		Kind:   kind,
		Origin: origin,
	}
	if k := Kind(toString(entity["kind"])); ValidKind(k) {
		event.TaskKind = k
	}
	return event
}

func typeField(payload map[string]any) string {
	if s := toString(payload["type"]); s != "" {
		return s
	}
	return toString(payload["event_type"])
}

func eventKindFromType(eventType string) (EventKind, bool) {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if eventType == "" {
		return "", false
	}
	switch {
	case strings.Contains(eventType, "delet"):
		return EventDeleted, true
	case strings.Contains(eventType, "creat"), strings.Contains(eventType, "new"):
		return EventCreated, true
	case strings.Contains(eventType, "updat"), strings.Contains(eventType, "chang"), strings.Contains(eventType, "complet"):
		return EventUpdated, true
	}
	return "", false
}

func kindFromTable(table string) Kind {
	switch strings.ToLower(strings.TrimSpace(table)) {
	case "quick_todos", "todos":
		return KindQuickTodo
	case "tasks", "":
		return KindTask
	}
	return KindTask
}

// TaskFromPayload decodes a validated task object into an entity. Used by
// tests and by the backend client's list decoding.
func TaskFromPayload(entity map[string]any) Task {
	t := Task{
		ID:     toString(entity["id"]),
		Kind:   Kind(toString(entity["kind"])),
		Status: Status(toString(entity["status"])),
		Title:  toString(entity["title"]),
	}
	if raw := toString(entity["due_date"]); raw != "" {
		if due, err := time.Parse(time.RFC3339, raw); err == nil {
			t.DueDate = &due
		}
	}
	return t
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
