package classify

import (
	"strings"

	"github.com/Sternrassler/bulk-import-client/pkg/record"
)

const defaultErrorCode = "ERROR"

// parseErrorsArray reports entries of a top-level "errors" array. Object
// entries need an identifier or a message; string entries are messages.
func parseErrorsArray(root any) []Hit {
	obj, ok := root.(map[string]any)
	if !ok {
		return nil
	}
	arr, ok := obj["errors"].([]any)
	if !ok {
		return nil
	}

	var hits []Hit
	for i, item := range arr {
		var e Entry
		switch v := item.(type) {
		case string:
			e = Entry{Message: v}
		case map[string]any:
			f := record.FieldsOf(v)
			e = Entry{
				ID:      f.FirstOf(idKeys),
				Label:   f.FirstOf(labelKeys),
				Message: messageOf(f, []string{"message", "error", "detail"}),
			}
			e.Code = strings.ToUpper(f.FirstOf([]string{"code", "result", "status"}))
		default:
			continue
		}
		if e.ID == "" && e.Message == "" {
			continue
		}
		if e.Code == "" {
			e.Code = defaultErrorCode
		}
		hits = append(hits, ErrorsArrayHit{Entry: e, Index: i})
	}
	return hits
}
