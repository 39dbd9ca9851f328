package types

import (
	"math"
	"strconv"
	"strings"
)

// Kind identifies which member of the value union a Value holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is a string, a number or a nested map. The zero Value is invalid.
type Value struct {
	kind   Kind
	str    string
	num    float64
	fields []Field
}

// Field is one key/value pair of an Event or of a nested map.
type Field struct {
	Key   string
	Value Value
}

// F is shorthand for building a Field.
func F(key string, v Value) Field {
	return Field{Key: key, Value: v}
}

// String returns a string Value.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Number returns a numeric Value.
func Number(n float64) Value {
	return Value{kind: KindNumber, num: n}
}

// Int returns a numeric Value holding i.
func Int(i int64) Value {
	return Number(float64(i))
}

// Map returns a nested map Value. Later duplicates of a key replace earlier
// ones in place.
func Map(fields ...Field) Value {
	return Value{kind: KindMap, fields: dedupe(fields)}
}

// Kind reports which union member v holds.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string held by v.
func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindString
}

// Num returns the number held by v.
func (v Value) Num() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// Fields returns a copy of the nested fields held by v, or nil when v is not a map.
func (v Value) Fields() []Field {
	if v.kind != KindMap {
		return nil
	}
	return cloneFields(v.fields)
}

// Text renders v the way protocol version 1 carries it on the wire: strings
// verbatim, numbers in shortest decimal form. Maps render as their flattened
// "k=v" pairs joined by commas and are normally expanded by Event.Flatten
// before this is reached.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindMap:
		var parts []string
		for _, p := range flatten("", v.fields, nil) {
			parts = append(parts, p.Key+"="+p.Value)
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

// Equal reports whether v and o hold the same union member and contents.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindMap:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for i := range v.fields {
			if v.fields[i].Key != o.fields[i].Key || !v.fields[i].Value.Equal(o.fields[i].Value) {
				return false
			}
		}
		return true
	}
	return true
}

func (v Value) validate(path string) error {
	switch v.kind {
	case KindString:
		return nil
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return &FieldError{Key: path, Reason: "number is not finite"}
		}
		return nil
	case KindMap:
		for _, f := range v.fields {
			if f.Key == "" {
				return &FieldError{Key: path, Reason: "empty key in nested map"}
			}
			if err := f.Value.validate(path + "." + f.Key); err != nil {
				return err
			}
		}
		return nil
	default:
		return &FieldError{Key: path, Reason: "invalid value"}
	}
}

func cloneFields(in []Field) []Field {
	if in == nil {
		return nil
	}
	out := make([]Field, len(in))
	copy(out, in)
	return out
}

// dedupe copies fields, keeping the first position of a key and the last value.
func dedupe(fields []Field) []Field {
	out := make([]Field, 0, len(fields))
	index := make(map[string]int, len(fields))
	for _, f := range fields {
		if i, ok := index[f.Key]; ok {
			out[i].Value = f.Value
			continue
		}
		index[f.Key] = len(out)
		out = append(out, f)
	}
	return out
}
