package models

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Document is a JSON object: the unit stored in a collection.
type Document map[string]Value

func (d Document) Keys() []string { return sortedKeys(d) }

func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v.Clone()
	}
	return out
}

func (d Document) Equal(other Document) bool {
	if len(d) != len(other) {
		return false
	}
	for k, v := range d {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Lookup follows a dot-separated path through nested objects. It reports
// false as soon as a segment is missing or the current value is not an object.
func (d Document) Lookup(path string) (Value, bool) {
	cur := d
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		v, ok := cur[seg]
		if !ok {
			return Value{}, false
		}
		if i == len(segments)-1 {
			return v, true
		}
		next, isObj := v.AsObject()
		if !isObj {
			return Value{}, false
		}
		cur = next
	}
	return Value{}, false
}

// Merge returns a copy of d with the top-level fields of patch applied over it.
func (d Document) Merge(patch Document) Document {
	out := d.Clone()
	if out == nil {
		out = Document{}
	}
	for k, v := range patch {
		out[k] = v.Clone()
	}
	return out
}

func (d Document) Native() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v.Native()
	}
	return out
}

func (d Document) String() string {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprintf("<invalid document: %v>", err)
	}
	return string(b)
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Native())
}

func (d *Document) UnmarshalJSON(data []byte) error {
	parsed, err := ParseDocument(data)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseValue decodes JSON text, keeping integer literals integral. The
// whole input must be one JSON value; anything after it is an error.
func ParseValue(data []byte) (Value, error) {
	data = bytes.Trim(data, jsonSpace)
	if len(data) == 0 {
		return Value{}, fmt.Errorf("empty JSON input")
	}
	switch data[0] {
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return Value{}, err
		}
		doc := make(Document, len(fields))
		for k, raw := range fields {
			v, err := ParseValue(raw)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			doc[k] = v
		}
		return Object(doc), nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return Value{}, err
		}
		out := make([]Value, len(items))
		for i, raw := range items {
			v, err := ParseValue(raw)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return Array(out...), nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Value{}, err
		}
		return String(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case 'n':
		if string(data) != "null" {
			return Value{}, fmt.Errorf("invalid JSON literal %q", data)
		}
		return Null(), nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return Value{}, err
	}
	return numberFromLiteral(num)
}

const jsonSpace = " \t\r\n"

// ParseDocument decodes JSON text that must be an object.
func ParseDocument(data []byte) (Document, error) {
	v, err := ParseValue(data)
	if err != nil {
		return nil, err
	}
	doc, ok := v.AsObject()
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %s", v.Kind())
	}
	return doc, nil
}
