package classify

import (
	"strings"

	"github.com/Sternrassler/bulk-import-client/pkg/record"
)

// Hit is one failure detected in a response body. It is one of
// StructuredHit, PatternHit or ErrorsArrayHit.
type Hit interface {
	Method() record.Method
	Failure() Entry
}

// Entry is the detection-independent content of a hit.
type Entry struct {
	ID      string
	Label   string
	Code    string
	Message string
}

// dedupKey identifies an entry across detection methods.
func (e Entry) dedupKey() string {
	switch {
	case e.ID != "":
		return "id:" + e.ID
	case e.Label != "":
		return "label:" + strings.ToLower(e.Label) + "|" + e.Code
	default:
		return "anon:" + e.Code + "|" + e.Message
	}
}

// StructuredHit comes from a well-formed JSON results array.
type StructuredHit struct {
	Entry
	// Key is the array key the entry was found under, e.g. "data".
	Key string
	// Index is the entry's position in that array.
	Index int
}

// Method implements Hit.
func (StructuredHit) Method() record.Method { return record.MethodStructured }

// Failure implements Hit.
func (h StructuredHit) Failure() Entry { return h.Entry }

// PatternHit comes from scanning raw text for failure markers.
type PatternHit struct {
	Entry
	// Offset is the byte offset of the failure marker in the body.
	Offset int
}

// Method implements Hit.
func (PatternHit) Method() record.Method { return record.MethodPattern }

// Failure implements Hit.
func (h PatternHit) Failure() Entry { return h.Entry }

// ErrorsArrayHit comes from a top-level "errors" array.
type ErrorsArrayHit struct {
	Entry
	Index int
}

// Method implements Hit.
func (ErrorsArrayHit) Method() record.Method { return record.MethodErrorsArray }

// Failure implements Hit.
func (h ErrorsArrayHit) Failure() Entry { return h.Entry }

// merge concatenates hit lists in priority order and drops later hits that
// describe an entry already seen.
func merge(groups ...[]Hit) []Hit {
	seen := make(map[string]bool)
	var out []Hit
	for _, g := range groups {
		for _, h := range g {
			k := h.Failure().dedupKey()
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, h)
		}
	}
	return out
}
