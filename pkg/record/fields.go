package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultIDPaths are the dotted paths probed for a record identifier.
var DefaultIDPaths = []string{
	"person.customerId",
	"customerId",
	"household.householdId",
	"householdId",
	"id",
}

// DefaultCardPaths point at arrays of card objects carrying a "number".
var DefaultCardPaths = []string{
	"person.customerCards",
	"customerCards",
}

// Fields is a decoded view over a record used for failure matching.
type Fields struct {
	root map[string]any
}

// ParseFields decodes a record. A record that is not a JSON object yields an
// empty view rather than an error.
func ParseFields(r Record) Fields {
	var root map[string]any
	if err := DecodeJSON(r, &root); err != nil {
		return Fields{}
	}
	return Fields{root: root}
}

// DecodeJSON unmarshals a single JSON document into v, keeping numbers as
// json.Number so identifiers beyond 2^53 survive intact. Trailing data after
// the document is an error.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid character after top-level value")
	}
	return nil
}

// FieldsOf wraps an already decoded JSON object.
func FieldsOf(obj map[string]any) Fields {
	return Fields{root: obj}
}

// Raw returns the decoded value at a dotted path.
func (f Fields) Raw(path string) (any, bool) {
	return f.value(path)
}

// Lookup returns the scalar at a dotted path as a string.
func (f Fields) Lookup(path string) string {
	v, ok := f.value(path)
	if !ok {
		return ""
	}
	return scalarString(v)
}

// FirstOf returns the first non-empty value among paths.
func (f Fields) FirstOf(paths []string) string {
	for _, p := range paths {
		if s := f.Lookup(p); s != "" {
			return s
		}
	}
	return ""
}

// Values returns every non-empty value among paths, in path order.
func (f Fields) Values(paths []string) []string {
	var out []string
	for _, p := range paths {
		if s := f.Lookup(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Cards returns every card number found under the given array paths.
func (f Fields) Cards(paths []string) []string {
	var out []string
	for _, p := range paths {
		v, ok := f.value(p)
		if !ok {
			continue
		}
		items, ok := v.([]any)
		if !ok {
			continue
		}
		for _, it := range items {
			obj, ok := it.(map[string]any)
			if !ok {
				continue
			}
			if n := scalarString(obj["number"]); n != "" {
				out = append(out, n)
			}
		}
	}
	return out
}

// Name returns first and last name, looking under "person" first.
func (f Fields) Name() (first, last string) {
	first = f.FirstOf([]string{"person.firstName", "firstName", "household.name", "name"})
	last = f.FirstOf([]string{"person.lastName", "lastName"})
	return first, last
}

func (f Fields) value(path string) (any, bool) {
	if f.root == nil {
		return nil, false
	}
	var cur any = f.root
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
