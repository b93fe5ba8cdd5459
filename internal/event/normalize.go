package event

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// notificationSchema gates raw socket payloads before normalization. The
// backend is loose about optional fields, so the schema pins down only what
// normalization genuinely requires.
const notificationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "type": {"enum": ["individual", "group", "load"]},
    "from": {"type": "string"},
    "senderId": {"type": "string"},
    "sender": {"type": "object"},
    "to": {"type": "string"},
    "groupId": {"type": "string"},
    "loadId": {"type": "string"},
    "body": {"type": "string"},
    "message": {"type": "string"},
    "text": {"type": "string"},
    "hasImage": {"type": "boolean"},
    "hasFile": {"type": "boolean"},
    "hasAudio": {"type": "boolean"},
    "timestamp": {"type": "string"},
    "ts": {"type": "number"},
    "messageId": {"type": "string"},
    "_id": {"type": "string"}
  },
  "required": ["type"]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("notification.json", doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("notification.json")
	})
	return compiledSchema, schemaErr
}

// Normalize turns a raw socket payload into a Notification. It is the single
// place that tolerates the backend's shape drift; consumers never sniff raw
// maps themselves.
//
// Field priority, first non-empty wins:
//
//	sender:    from > senderId > sender.empId
//	group:     groupId > group._id
//	load:      loadId > load._id
//	body:      body > message > text
//	timestamp: timestamp (RFC3339) > ts (epoch millis) > now
//	messageId: messageId > _id
func Normalize(raw map[string]any, now time.Time) (Notification, error) {
	schema, err := compiled()
	if err != nil {
		return Notification{}, fmt.Errorf("compile notification schema: %w", err)
	}
	if err := schema.Validate(normalizeForSchema(raw)); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	n := Notification{
		Kind:      Kind(stringField(raw, "type")),
		From:      firstString(raw, "from", "senderId"),
		To:        stringField(raw, "to"),
		GroupID:   stringField(raw, "groupId"),
		LoadID:    stringField(raw, "loadId"),
		Body:      firstString(raw, "body", "message", "text"),
		HasImage:  boolField(raw, "hasImage"),
		HasFile:   boolField(raw, "hasFile"),
		HasAudio:  boolField(raw, "hasAudio"),
		MessageID: firstString(raw, "messageId", "_id"),
	}
	if n.From == "" {
		if sender, ok := raw["sender"].(map[string]any); ok {
			n.From = stringField(sender, "empId")
		}
	}
	if n.GroupID == "" {
		if group, ok := raw["group"].(map[string]any); ok {
			n.GroupID = stringField(group, "_id")
		}
	}
	if n.LoadID == "" {
		if load, ok := raw["load"].(map[string]any); ok {
			n.LoadID = stringField(load, "_id")
		}
	}
	n.Timestamp = timestampField(raw, now)

	if !n.Kind.Valid() {
		return Notification{}, fmt.Errorf("%w: unknown type %q", ErrMalformedPayload, raw["type"])
	}
	if n.From == "" && n.Kind != KindLoad {
		return Notification{}, fmt.Errorf("%w: missing sender", ErrMalformedPayload)
	}
	switch n.Kind {
	case KindGroup:
		if n.GroupID == "" {
			return Notification{}, fmt.Errorf("%w: group event without groupId", ErrMalformedPayload)
		}
	case KindLoad:
		if n.LoadID == "" {
			return Notification{}, fmt.Errorf("%w: load event without loadId", ErrMalformedPayload)
		}
	}
	return n, nil
}

// NormalizeAssignment extracts the entity subset carried on watch events.
// ID priority: _id > id; reference: loadNumber > doNumber > reference.
func NormalizeAssignment(raw map[string]any, kind AssignmentKind, now time.Time) (Assignment, error) {
	a := Assignment{
		ID:         firstString(raw, "_id", "id"),
		Kind:       kind,
		Reference:  firstString(raw, "loadNumber", "doNumber", "reference"),
		AssignedBy: firstString(raw, "assignedBy", "assignedByEmpId"),
		AssignedAt: timestampField(raw, now),
	}
	if a.ID == "" {
		return Assignment{}, fmt.Errorf("%w: assignment without id", ErrMalformedPayload)
	}
	return a, nil
}

// normalizeForSchema rebuilds the map with schema-comparable scalar types;
// json.Unmarshal into map[string]any already yields these, but payloads built
// in-process may carry e.g. int timestamps.
func normalizeForSchema(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case int:
			out[k] = float64(t)
		case int64:
			out[k] = float64(t)
		default:
			out[k] = v
		}
	}
	return out
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return strings.TrimSpace(s)
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringField(raw, key); s != "" {
			return s
		}
	}
	return ""
}

func boolField(raw map[string]any, key string) bool {
	b, _ := raw[key].(bool)
	return b
}

func timestampField(raw map[string]any, now time.Time) time.Time {
	if s := stringField(raw, "timestamp"); s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	switch ts := raw["ts"].(type) {
	case float64:
		if ts > 0 {
			return time.UnixMilli(int64(ts))
		}
	case int64:
		if ts > 0 {
			return time.UnixMilli(ts)
		}
	case int:
		if ts > 0 {
			return time.UnixMilli(int64(ts))
		}
	}
	if s := stringField(raw, "assignedAt"); s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	return now
}
