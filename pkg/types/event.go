package types

import (
	"errors"
	"fmt"
	"sort"
)

// MessageKey is the key every Event must carry.
const MessageKey = "message"

// ErrNoMessage is returned by Validate when the event has no message key.
var ErrNoMessage = errors.New("event has no message field")

// FieldError describes a field that cannot be carried on the wire.
type FieldError struct {
	Key    string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Key, e.Reason)
}

// Event is an immutable, ordered set of key/value pairs.
// The zero Event has no fields and fails Validate.
type Event struct {
	fields []Field
}

// New returns an Event whose first field is message. A "message" entry in
// fields replaces the positional one.
func New(message string, fields ...Field) Event {
	all := make([]Field, 0, len(fields)+1)
	all = append(all, F(MessageKey, String(message)))
	all = append(all, fields...)
	return Event{fields: dedupe(all)}
}

// FromFields builds an Event from fields in order without adding a message.
// Use Validate to check that the result is shippable.
func FromFields(fields ...Field) Event {
	return Event{fields: dedupe(fields)}
}

// FromMap converts a decoded JSON-style map into an Event. Keys are sorted so
// the result is deterministic, except that "message" always comes first.
// Booleans are carried as strings; nulls are skipped; other types are rejected.
func FromMap(m map[string]any) (Event, error) {
	fields, err := fieldsFromMap(m, "")
	if err != nil {
		return Event{}, err
	}
	sort.SliceStable(fields, func(i, j int) bool {
		return fields[i].Key == MessageKey && fields[j].Key != MessageKey
	})
	return Event{fields: fields}, nil
}

func fieldsFromMap(m map[string]any, path string) ([]Field, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		v, ok, err := valueOf(m[k], joinKey(path, k))
		if err != nil {
			return nil, err
		}
		if ok {
			fields = append(fields, F(k, v))
		}
	}
	return fields, nil
}

func valueOf(raw any, path string) (Value, bool, error) {
	switch x := raw.(type) {
	case nil:
		return Value{}, false, nil
	case string:
		return String(x), true, nil
	case bool:
		if x {
			return String("true"), true, nil
		}
		return String("false"), true, nil
	case float64:
		return Number(x), true, nil
	case float32:
		return Number(float64(x)), true, nil
	case int:
		return Int(int64(x)), true, nil
	case int64:
		return Int(x), true, nil
	case int32:
		return Int(int64(x)), true, nil
	case uint32:
		return Int(int64(x)), true, nil
	case map[string]any:
		nested, err := fieldsFromMap(x, path)
		if err != nil {
			return Value{}, false, err
		}
		return Map(nested...), true, nil
	default:
		return Value{}, false, &FieldError{Key: path, Reason: fmt.Sprintf("unsupported type %T", raw)}
	}
}

// Get returns the value stored under key.
func (e Event) Get(key string) (Value, bool) {
	for _, f := range e.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Message returns the text form of the message field, or "" if absent.
func (e Event) Message() string {
	v, ok := e.Get(MessageKey)
	if !ok {
		return ""
	}
	return v.Text()
}

// With returns a copy of e with key set to v. An existing key keeps its position.
func (e Event) With(key string, v Value) Event {
	fields := cloneFields(e.fields)
	for i := range fields {
		if fields[i].Key == key {
			fields[i].Value = v
			return Event{fields: fields}
		}
	}
	return Event{fields: append(fields, F(key, v))}
}

// Fields returns a copy of the event's fields in order.
func (e Event) Fields() []Field { return cloneFields(e.fields) }

// Len returns the number of top-level fields.
func (e Event) Len() int { return len(e.fields) }

// Keys returns the top-level keys in order.
func (e Event) Keys() []string {
	keys := make([]string, len(e.fields))
	for i, f := range e.fields {
		keys[i] = f.Key
	}
	return keys
}

// Validate reports whether e can be shipped: it needs a message, non-empty
// keys and finite numbers.
func (e Event) Validate() error {
	if _, ok := e.Get(MessageKey); !ok {
		return ErrNoMessage
	}
	for _, f := range e.fields {
		if f.Key == "" {
			return &FieldError{Key: f.Key, Reason: "empty key"}
		}
		if err := f.Value.validate(f.Key); err != nil {
			return err
		}
	}
	return nil
}

// Equal reports whether both events hold the same fields in the same order.
func (e Event) Equal(o Event) bool {
	if len(e.fields) != len(o.fields) {
		return false
	}
	for i := range e.fields {
		if e.fields[i].Key != o.fields[i].Key || !e.fields[i].Value.Equal(o.fields[i].Value) {
			return false
		}
	}
	return true
}

// Pair is a flattened key/value pair as carried by protocol version 1.
type Pair struct {
	Key   string
	Value string
}

// Flatten expands nested maps into dotted keys and renders every value as text.
//
//	{"a": {"b": 1}} -> [{"a.b", "1"}]
func (e Event) Flatten() []Pair {
	return flatten("", e.fields, make([]Pair, 0, len(e.fields)))
}

func flatten(prefix string, fields []Field, out []Pair) []Pair {
	for _, f := range fields {
		key := joinKey(prefix, f.Key)
		if f.Value.kind == KindMap {
			out = flatten(key, f.Value.fields, out)
			continue
		}
		out = append(out, Pair{Key: key, Value: f.Value.Text()})
	}
	return out
}

// FromPairs rebuilds an Event from flattened pairs. All values are strings;
// dotted keys are kept as-is.
func FromPairs(pairs []Pair) Event {
	fields := make([]Field, len(pairs))
	for i, p := range pairs {
		fields[i] = F(p.Key, String(p.Value))
	}
	return Event{fields: dedupe(fields)}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
