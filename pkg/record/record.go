// Package record defines the data shared by every stage of an import run:
// opaque records, lazy batch descriptors, dispatched batches and the
// failure records produced when the remote API rejects something.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Data keys accepted by the import API.
const (
	DataKeyCustomers  = "data"
	DataKeyHouseholds = "households"
)

// Record is a single customer or household object. It is never interpreted
// beyond locating identifier and name fields.
type Record = json.RawMessage

// Descriptor is a lazy reference to a contiguous slice of records inside a
// source file. Records are loaded only when the batch is dispatched.
type Descriptor struct {
	SourceFile   string `json:"sourceFile"`
	StartIndex   int    `json:"startIndex"`
	EndIndex     int    `json:"endIndex"`
	ExpectedSize int    `json:"expectedSize"`
	// BatchID is assigned by the planner (1-based, stable across resumes).
	BatchID int `json:"batchId"`
	// Offset is the byte position in SourceFile where element StartIndex
	// begins, possibly at the separating comma. Zero means unknown.
	Offset int64 `json:"offset,omitempty"`
}

// Validate checks the descriptor invariants.
func (d Descriptor) Validate() error {
	if d.EndIndex <= d.StartIndex {
		return fmt.Errorf("descriptor %s[%d:%d]: end must be greater than start", d.SourceFile, d.StartIndex, d.EndIndex)
	}
	if d.ExpectedSize != d.EndIndex-d.StartIndex {
		return fmt.Errorf("descriptor %s[%d:%d]: expected size %d does not match range", d.SourceFile, d.StartIndex, d.EndIndex, d.ExpectedSize)
	}
	return nil
}

// String returns a compact human-readable form.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s[%d:%d]", d.SourceFile, d.StartIndex, d.EndIndex)
}

// Batch is a descriptor with its records loaded.
type Batch struct {
	ID         int
	Descriptor Descriptor
	Records    []Record
}

// Release drops the loaded records so they can be garbage collected.
func (b *Batch) Release() {
	b.Records = nil
}

// Payload builds the {<dataKey>: [...]} body used both on the wire and in
// every re-importable artifact.
func Payload(dataKey string, records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.Marshal(map[string][]Record{dataKey: records})
}

// PrettyPayload is Payload with indentation, used for files meant to be read
// by operators.
func PrettyPayload(dataKey string, records []Record) ([]byte, error) {
	raw, err := Payload(dataKey, records)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Provenance tells how a failure was matched back to dispatched data.
type Provenance string

const (
	ProvenanceExact      Provenance = "exact"
	ProvenanceCard       Provenance = "card"
	ProvenanceLabel      Provenance = "label"
	ProvenanceSingle     Provenance = "single"
	ProvenancePositional Provenance = "positional"
	ProvenanceNone       Provenance = "none"
)

// Method is the detection strategy that reported a failure.
type Method string

const (
	MethodStructured  Method = "structured"
	MethodPattern     Method = "pattern"
	MethodErrorsArray Method = "errors_array"
	MethodTransport   Method = "transport"
)

// FailureRecord describes one record the remote API rejected.
type FailureRecord struct {
	RecordID     string     `json:"recordId"`
	Label        string     `json:"label,omitempty"`
	ResultCode   string     `json:"resultCode"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	OriginalData Record     `json:"originalData"`
	Provenance   Provenance `json:"provenance"`
	Method       Method     `json:"method"`
	BatchID      int        `json:"batchId"`
	SourceFile   string     `json:"sourceFile"`
}

// HasOriginal reports whether the failure was matched to dispatched data.
func (f FailureRecord) HasOriginal() bool {
	return len(f.OriginalData) > 0 && !bytes.Equal(f.OriginalData, []byte("null"))
}

// Status is the HTTP-level result of dispatching a batch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)
