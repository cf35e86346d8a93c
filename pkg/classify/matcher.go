package classify

import (
	"strings"
	"unicode"

	"github.com/Sternrassler/bulk-import-client/pkg/record"
)

// matcher resolves failure entries back to the dispatched records.
type matcher struct {
	records []record.Record
	byID    map[string]int
	byCard  map[string]int
	names   []string
	ids     []string
}

func newMatcher(records []record.Record, idPaths, cardPaths []string) *matcher {
	m := &matcher{
		records: records,
		byID:    make(map[string]int),
		byCard:  make(map[string]int),
		names:   make([]string, len(records)),
		ids:     make([]string, len(records)),
	}
	for i, r := range records {
		f := record.ParseFields(r)
		for _, id := range f.Values(idPaths) {
			if _, dup := m.byID[id]; !dup {
				m.byID[id] = i
			}
		}
		for _, card := range f.Cards(cardPaths) {
			if _, dup := m.byCard[card]; !dup {
				m.byCard[card] = i
			}
		}
		first, last := f.Name()
		m.names[i] = normalizeName(first + " " + last)
		m.ids[i] = f.FirstOf(idPaths)
	}
	return m
}

// matchDirect resolves e by identifier, card number or label. It returns -1
// when the entry itself does not identify a record.
func (m *matcher) matchDirect(e Entry) (int, record.Provenance) {
	if e.ID != "" {
		if i, ok := m.byID[e.ID]; ok {
			return i, record.ProvenanceExact
		}
		if i, ok := m.byCard[e.ID]; ok {
			return i, record.ProvenanceCard
		}
	}
	if i := m.matchLabel(e.Label); i >= 0 {
		return i, record.ProvenanceLabel
	}
	return -1, record.ProvenanceNone
}

// matchFallback resolves an unidentified failure from the batch shape.
// position is its index among the distinct failures and total their count.
func (m *matcher) matchFallback(position, total int) (int, record.Provenance) {
	if len(m.records) == 1 {
		return 0, record.ProvenanceSingle
	}
	if total == len(m.records) && position < len(m.records) {
		return position, record.ProvenancePositional
	}
	return -1, record.ProvenanceNone
}

// matchLabel compares a human-readable label such as "Anna Svensson-1234"
// with record names. Only a unique match counts.
func (m *matcher) matchLabel(label string) int {
	l := normalizeName(label)
	if l == "" {
		return -1
	}
	found := -1
	for i, n := range m.names {
		if len(n) < 3 {
			continue
		}
		if strings.Contains(l, n) || strings.Contains(n, l) {
			if found >= 0 {
				return -1
			}
			found = i
		}
	}
	return found
}

// normalizeName lowercases and keeps only letters, collapsing everything
// else into single spaces.
func normalizeName(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
