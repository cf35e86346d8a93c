package classify

import (
	"encoding/json"
	"strings"

	"github.com/Sternrassler/bulk-import-client/pkg/record"
)

// idKeys is shared by every detector so hits on the same entry agree on the
// identifier. A nested path follows its top-level key because the text scan
// sees nested fields too.
var idKeys = []string{"customerId", "person.customerId", "householdId", "household.householdId", "id"}

var (
	resultKeys  = []string{"data", "customers", "results", "customerResults"}
	statusKeys  = []string{"result", "status", "resultType"}
	labelKeys   = []string{"username", "name", "label"}
	messageKeys = []string{"error", "message", "errorMessage", "reason"}
)

// parseStructured decodes body and returns failures from known result
// arrays. ok is false when body is not valid JSON.
func parseStructured(body []byte, success map[string]bool) (hits []Hit, root any, ok bool) {
	if err := record.DecodeJSON(body, &root); err != nil {
		return nil, nil, false
	}

	for _, ra := range resultArrays(root) {
		for i, item := range ra.items {
			obj, isObj := item.(map[string]any)
			if !isObj {
				continue
			}
			f := record.FieldsOf(obj)
			status := strings.TrimSpace(f.FirstOf(statusKeys))
			if status == "" || success[strings.ToUpper(status)] {
				continue
			}
			hits = append(hits, StructuredHit{
				Entry: Entry{
					ID:      f.FirstOf(idKeys),
					Label:   f.FirstOf(labelKeys),
					Code:    strings.ToUpper(status),
					Message: messageOf(f, messageKeys),
				},
				Key:   ra.key,
				Index: i,
			})
		}
	}
	return hits, root, true
}

type resultArray struct {
	key   string
	items []any
}

// resultArrays finds arrays under the known result keys at the top level,
// or one level below an object stored under such a key, in key order.
func resultArrays(root any) []resultArray {
	obj, ok := root.(map[string]any)
	if !ok {
		return nil
	}
	var out []resultArray
	for _, k := range resultKeys {
		switch v := obj[k].(type) {
		case []any:
			out = append(out, resultArray{key: k, items: v})
		case map[string]any:
			for _, inner := range resultKeys {
				if arr, ok := v[inner].([]any); ok {
					out = append(out, resultArray{key: k + "." + inner, items: arr})
				}
			}
		}
	}
	return out
}

// messageOf returns the first message field, encoding non-scalar values as
// compact JSON.
func messageOf(f record.Fields, keys []string) string {
	for _, k := range keys {
		v, ok := f.Raw(k)
		if !ok || v == nil {
			continue
		}
		switch v.(type) {
		case bool:
			continue
		case map[string]any, []any:
			raw, err := json.Marshal(v)
			if err == nil {
				return string(raw)
			}
		default:
			if s := f.Lookup(k); s != "" {
				return s
			}
		}
	}
	return ""
}
