package classify

import (
	"regexp"
	"strconv"
	"strings"
)

// failureMarker finds a failure status used as a quoted JSON value.
var failureMarker = regexp.MustCompile(`"(\w+)"\s*:\s*"(FAILED|ERROR|CONFLICT)"`)

var patternIDs = fieldPatterns(leafKeys(idKeys))

var (
	patternLabels = []*regexp.Regexp{
		fieldPattern("username"),
		fieldPattern("name"),
		fieldPattern("label"),
	}
	patternMessages = []*regexp.Regexp{
		fieldPattern("error"),
		fieldPattern("errorMessage"),
		fieldPattern("message"),
		fieldPattern("reason"),
	}
)

// fieldPattern matches "key": "string" or "key": number.
func fieldPattern(key string) *regexp.Regexp {
	return regexp.MustCompile(`"` + key + `"\s*:\s*(?:"((?:[^"\\]|\\.)*)"|(-?\d+))`)
}

func fieldPatterns(keys []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(keys))
	for i, k := range keys {
		out[i] = fieldPattern(k)
	}
	return out
}

// leafKeys returns the last segment of each dotted path, first occurrence
// only.
func leafKeys(paths []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		leaf := p[strings.LastIndex(p, ".")+1:]
		if !seen[leaf] {
			seen[leaf] = true
			out = append(out, leaf)
		}
	}
	return out
}

// parsePattern scans raw text for failure markers. It works on malformed
// JSON and on several response fragments concatenated together, producing
// one hit per marker occurrence.
func parsePattern(body []byte) []Hit {
	text := string(body)
	locs := failureMarker.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	var hits []Hit
	for _, loc := range locs {
		key := text[loc[2]:loc[3]]
		if !isStatusKey(key) {
			continue
		}
		code := text[loc[4]:loc[5]]
		start, end := enclosingObject(text, loc[0])
		frag := text[start:end]

		hits = append(hits, PatternHit{
			Entry: Entry{
				ID:      firstMatch(frag, patternIDs),
				Label:   firstMatch(frag, patternLabels),
				Code:    code,
				Message: firstMatch(frag, patternMessages),
			},
			Offset: loc[0],
		})
	}
	return hits
}

func isStatusKey(key string) bool {
	for _, k := range statusKeys {
		if k == key {
			return true
		}
	}
	return false
}

// enclosingObject returns the bounds of the innermost {...} around pos.
// Braces inside string values are not tracked; missing braces extend the
// fragment to the text boundary.
func enclosingObject(text string, pos int) (int, int) {
	start, depth := 0, 0
	for i := pos - 1; i >= 0; i-- {
		if c := text[i]; c == '}' {
			depth++
		} else if c == '{' {
			if depth == 0 {
				start = i
				break
			}
			depth--
		}
	}

	end := len(text)
	depth = 0
	for i := pos; i < len(text); i++ {
		if c := text[i]; c == '{' {
			depth++
		} else if c == '}' {
			if depth == 0 {
				end = i + 1
				break
			}
			depth--
		}
	}
	return start, end
}

func firstMatch(frag string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		m := re.FindStringSubmatch(frag)
		if m == nil {
			continue
		}
		if m[1] != "" {
			return unescape(m[1])
		}
		if m[2] != "" {
			return m[2]
		}
	}
	return ""
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}
