package importer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/bulk-import-client/pkg/record"
)

// errKeyNotFound is returned when a source file has no array under the data key.
var errKeyNotFound = errors.New("data key not found")

// FileCount is the record count of one source file.
type FileCount struct {
	File    string `json:"file"`
	Records int    `json:"records"`
}

// Plan splits every file into contiguous descriptors of at most batchSize
// records. Records are counted from the token stream and never retained.
// Batch IDs start at 1 and run across files in the given order.
func Plan(files []string, dataKey string, batchSize int) ([]record.Descriptor, []FileCount, error) {
	if batchSize <= 0 {
		return nil, nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	var (
		descs  []record.Descriptor
		counts []FileCount
		nextID = 1
	)
	for _, file := range files {
		n, offsets, err := scanRecords(file, dataKey, batchSize)
		if err != nil && !errors.Is(err, errKeyNotFound) {
			return nil, nil, err
		}
		counts = append(counts, FileCount{File: file, Records: n})

		for start := 0; start < n; start += batchSize {
			end := min(start+batchSize, n)
			descs = append(descs, record.Descriptor{
				SourceFile:   file,
				StartIndex:   start,
				EndIndex:     end,
				ExpectedSize: end - start,
				BatchID:      nextID,
				Offset:       offsets[start/batchSize],
			})
			nextID++
		}
	}
	return descs, counts, nil
}

// scanRecords returns the number of elements in the file's data array and
// the byte offset where every batchSize-th element begins.
func scanRecords(path, dataKey string, batchSize int) (int, []int64, error) {
	f, dec, err := openArray(path, dataKey)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	var offsets []int64
	n := 0
	for dec.More() {
		if n%batchSize == 0 {
			offsets = append(offsets, dec.InputOffset())
		}
		if err := skipValue(dec); err != nil {
			return 0, nil, fmt.Errorf("%s: element %d: %w", path, n, err)
		}
		n++
	}
	return n, offsets, nil
}

// openArray opens path and positions the decoder just inside the array
// stored under dataKey in the top-level object.
func openArray(path, dataKey string) (*os.File, *json.Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open source file: %w", err)
	}
	dec := json.NewDecoder(bufio.NewReaderSize(f, 64*1024))

	if err := expectDelim(dec, '{'); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		key, _ := tok.(string)
		if key != dataKey {
			if err := skipValue(dec); err != nil {
				f.Close()
				return nil, nil, fmt.Errorf("%s: skip %q: %w", path, key, err)
			}
			continue
		}
		if err := expectDelim(dec, '['); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%s: %q: %w", path, dataKey, err)
		}
		return f, dec, nil
	}
	f.Close()
	return nil, nil, fmt.Errorf("%s: %w: %q", path, errKeyNotFound, dataKey)
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("expected %q, got end of input", want)
		}
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// skipValue consumes one complete value without decoding it into memory.
func skipValue(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
		if depth == 0 {
			return nil
		}
	}
}
