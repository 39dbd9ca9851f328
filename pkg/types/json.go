package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// MarshalJSON encodes e as a JSON object in field order.
func (e Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeObject(&buf, e.fields); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into e, keeping the order of keys.
func (e *Event) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("types: decode event: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("types: decode event: want object, got %v", tok)
	}
	fields, err := readObject(dec, "")
	if err != nil {
		return err
	}
	e.fields = dedupe(fields)
	return nil
}

func writeObject(buf *bytes.Buffer, fields []Field) error {
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := writeValue(buf, f.Key, f.Value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeValue(buf *bytes.Buffer, key string, v Value) error {
	switch v.kind {
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindNumber:
		if err := v.validate(key); err != nil {
			return err
		}
		buf.WriteString(strconv.FormatFloat(v.num, 'f', -1, 64))
	case KindMap:
		return writeObject(buf, v.fields)
	default:
		return &FieldError{Key: key, Reason: "invalid value"}
	}
	return nil
}

// readObject consumes key/value tokens up to and including the closing brace.
func readObject(dec *json.Decoder, path string) ([]Field, error) {
	var fields []Field
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("types: decode event: %w", err)
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			return fields, nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("types: decode event: want key, got %v", tok)
		}

		v, keep, err := readValue(dec, joinKey(path, key))
		if err != nil {
			return nil, err
		}
		if keep {
			fields = append(fields, F(key, v))
		}
	}
}

func readValue(dec *json.Decoder, path string) (Value, bool, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, false, fmt.Errorf("types: decode event: %w", err)
	}
	switch x := tok.(type) {
	case string:
		return String(x), true, nil
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return Value{}, false, &FieldError{Key: path, Reason: err.Error()}
		}
		return Number(n), true, nil
	case bool:
		return String(strconv.FormatBool(x)), true, nil
	case nil:
		return Value{}, false, nil
	case json.Delim:
		if x != '{' {
			return Value{}, false, &FieldError{Key: path, Reason: "arrays are not supported"}
		}
		nested, err := readObject(dec, path)
		if err != nil {
			return Value{}, false, err
		}
		return Map(nested...), true, nil
	}
	return Value{}, false, &FieldError{Key: path, Reason: fmt.Sprintf("unexpected token %v", tok)}
}
