// Package classify finds per-record failures inside HTTP 200 import
// responses.
//
// The import API reports partial failure inconsistently: sometimes as a
// results array with per-record status, sometimes as an errors array, and
// sometimes in text that is not a single valid JSON document. Three
// detectors run on every body and their hits are merged:
//
//  1. structured: arrays under data, customers, results or customerResults
//  2. pattern: regexp scan for "FAILED", "ERROR" or "CONFLICT" status values
//  3. errors array: a top-level "errors" list
//
// Each failure is then matched back to the dispatched records (identifier,
// card number, name label, single record, position) so the original data can
// be persisted for re-import.
package classify

import (
	"bytes"
	"strings"
	"time"

	"github.com/Sternrassler/bulk-import-client/pkg/record"
)

// DefaultSuccessTokens are status values that do not denote a failure.
var DefaultSuccessTokens = []string{"SUCCESS", "OK", "IMPORTED", "ACCEPTED"}

// Config holds classifier configuration.
type Config struct {
	// SuccessTokens are compared case-insensitively.
	SuccessTokens []string

	// IDPaths locate identifiers inside dispatched records.
	IDPaths []string

	// CardPaths locate card arrays inside dispatched records.
	CardPaths []string

	// Now stamps failure records (default: time.Now).
	Now func() time.Time
}

// DefaultConfig returns the default classifier configuration.
func DefaultConfig() Config {
	return Config{
		SuccessTokens: DefaultSuccessTokens,
		IDPaths:       record.DefaultIDPaths,
		CardPaths:     record.DefaultCardPaths,
		Now:           time.Now,
	}
}

// Classifier is stateless and safe for concurrent use.
type Classifier struct {
	cfg     Config
	success map[string]bool
}

// New creates a Classifier, filling unset fields from DefaultConfig.
func New(cfg Config) *Classifier {
	def := DefaultConfig()
	if len(cfg.SuccessTokens) == 0 {
		cfg.SuccessTokens = def.SuccessTokens
	}
	if len(cfg.IDPaths) == 0 {
		cfg.IDPaths = def.IDPaths
	}
	if len(cfg.CardPaths) == 0 {
		cfg.CardPaths = def.CardPaths
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}

	success := make(map[string]bool, len(cfg.SuccessTokens))
	for _, t := range cfg.SuccessTokens {
		success[strings.ToUpper(t)] = true
	}
	return &Classifier{cfg: cfg, success: success}
}

// Analysis is the full result of inspecting a response body.
type Analysis struct {
	Hits      []Hit
	Failures  []record.FailureRecord
	ValidJSON bool
	// Ambiguous is set when the body is neither valid JSON nor contains any
	// recognisable failure marker. The batch is still a success.
	Ambiguous bool
}

// Classify returns one FailureRecord per rejected record.
func (c *Classifier) Classify(body []byte, records []record.Record) []record.FailureRecord {
	return c.Analyze(body, records).Failures
}

// Analyze runs every detector, merges their hits and matches each to the
// dispatched records.
func (c *Classifier) Analyze(body []byte, records []record.Record) Analysis {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Analysis{}
	}

	structured, root, valid := parseStructured(trimmed, c.success)
	pattern := parsePattern(trimmed)
	var errorsArr []Hit
	if valid {
		errorsArr = parseErrorsArray(root)
	}

	hits := merge(structured, pattern, errorsArr)
	an := Analysis{
		Hits:      hits,
		ValidJSON: valid,
		Ambiguous: !valid && len(pattern) == 0,
	}
	if len(hits) == 0 {
		return an
	}

	resolved := resolve(newMatcher(records, c.cfg.IDPaths, c.cfg.CardPaths), hits)
	now := c.cfg.Now()
	an.Failures = make([]record.FailureRecord, 0, len(resolved))
	for _, r := range resolved {
		e := r.hit.Failure()
		fr := record.FailureRecord{
			RecordID:     e.ID,
			Label:        e.Label,
			ResultCode:   e.Code,
			ErrorMessage: e.Message,
			Timestamp:    now,
			Provenance:   r.prov,
			Method:       r.hit.Method(),
		}
		if r.idx >= 0 {
			fr.OriginalData = records[r.idx]
			if fr.RecordID == "" {
				fr.RecordID = r.recordID
			}
		}
		an.Failures = append(an.Failures, fr)
	}
	return an
}

type resolvedHit struct {
	hit      Hit
	idx      int
	prov     record.Provenance
	recordID string
}

// resolve matches hits to records. A later hit that lands on a record
// already claimed by an earlier one describes the same rejection and is
// dropped. Fallback matching runs over the remaining distinct failures
// only, and never hands out a claimed record.
func resolve(m *matcher, hits []Hit) []resolvedHit {
	claimed := make(map[int]bool)
	out := make([]resolvedHit, 0, len(hits))
	for _, h := range hits {
		idx, prov := m.matchDirect(h.Failure())
		if idx >= 0 {
			if claimed[idx] {
				continue
			}
			claimed[idx] = true
		}
		out = append(out, resolvedHit{hit: h, idx: idx, prov: prov})
	}

	kept := out[:0]
	total := len(out)
	for i, r := range out {
		if r.idx < 0 {
			idx, prov := m.matchFallback(i, total)
			switch {
			case idx < 0:
			case !claimed[idx]:
				claimed[idx] = true
				r.idx, r.prov = idx, prov
			case prov == record.ProvenanceSingle:
				// The only record already failed under another entry.
				continue
			}
		}
		if r.idx >= 0 {
			r.recordID = m.ids[r.idx]
		}
		kept = append(kept, r)
	}
	return kept
}
