package importer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/bulk-import-client/pkg/record"
)

// Loader reads the records a descriptor points at.
type Loader struct {
	dataKey string
}

// NewLoader creates a Loader for files keyed by dataKey.
func NewLoader(dataKey string) *Loader {
	return &Loader{dataKey: dataKey}
}

// Load decodes exactly desc.ExpectedSize elements starting at
// desc.StartIndex. With a planned offset it seeks straight to the first
// element; otherwise elements before the slice are skipped token by token.
func (l *Loader) Load(desc record.Descriptor) ([]record.Record, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	if desc.Offset > 0 {
		f, dec, err := openAt(desc.SourceFile, desc.Offset)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return decodeRange(dec, desc)
	}

	f, dec, err := openArray(desc.SourceFile, l.dataKey)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	for i := 0; i < desc.StartIndex; i++ {
		if !dec.More() {
			return nil, fmt.Errorf("%s: only %d records, descriptor starts at %d", desc.SourceFile, i, desc.StartIndex)
		}
		if err := skipValue(dec); err != nil {
			return nil, fmt.Errorf("%s: element %d: %w", desc.SourceFile, i, err)
		}
	}

	return decodeRange(dec, desc)
}

// decodeRange reads desc.ExpectedSize elements from a decoder positioned at
// element desc.StartIndex.
func decodeRange(dec *json.Decoder, desc record.Descriptor) ([]record.Record, error) {
	records := make([]record.Record, 0, desc.ExpectedSize)
	for i := desc.StartIndex; i < desc.EndIndex; i++ {
		if !dec.More() {
			return nil, fmt.Errorf("%s: only %d records, descriptor ends at %d", desc.SourceFile, i, desc.EndIndex)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%s: element %d: %w", desc.SourceFile, i, err)
		}
		records = append(records, record.Record(raw))
	}
	return records, nil
}

// openAt positions a decoder at offset as if it were just inside the data
// array: whitespace and one separating comma are dropped and an opening
// bracket is fed in front of the rest of the file.
func openAt(path string, offset int64) (*os.File, *json.Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open source file: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: seek to %d: %w", path, offset, err)
	}

	br := bufio.NewReaderSize(f, 64*1024)
	comma := false
	for {
		c, err := br.ReadByte()
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%s: offset %d: %w", path, offset, err)
		}
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			continue
		}
		if c == ',' && !comma {
			comma = true
			continue
		}
		if c == ']' || c == ',' {
			f.Close()
			return nil, nil, fmt.Errorf("%s: offset %d does not start an element", path, offset)
		}
		_ = br.UnreadByte()
		break
	}

	dec := json.NewDecoder(io.MultiReader(strings.NewReader("["), br))
	if err := expectDelim(dec, '['); err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, dec, nil
}

// LoadBatch loads a descriptor into a Batch.
func (l *Loader) LoadBatch(desc record.Descriptor) (*record.Batch, error) {
	records, err := l.Load(desc)
	if err != nil {
		return nil, err
	}
	return &record.Batch{ID: desc.BatchID, Descriptor: desc, Records: records}, nil
}
