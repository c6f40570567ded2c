package schema

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	lferrors "github.com/logflow/tableflow/pkg/errors"
)

// DefaultNullValues are the cell values read as SQL NULL.
var DefaultNullValues = []string{"", "NULL", "null"}

// Cell is one raw value. Null is set for null sentinels and for cells
// missing from a short row.
type Cell struct {
	Value string
	Null  bool
}

// RawRecord is one source row: cells aligned with the batch header.
type RawRecord struct {
	Line  int
	Cells []Cell
	// Extra counts cells beyond the header width. Such rows are rejected at
	// load time rather than truncated.
	Extra int
}

// Get returns the cell at column index i.
func (r RawRecord) Get(i int) Cell {
	if i < 0 || i >= len(r.Cells) {
		return Cell{Null: true}
	}
	return r.Cells[i]
}

// Batch is a parsed CSV file.
type Batch struct {
	Header  []string
	Records []RawRecord
}

// Index returns the position of column name in the header, or -1.
func (b *Batch) Index(name string) int {
	for i, h := range b.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// ReadOptions controls CSV parsing.
type ReadOptions struct {
	Delimiter  rune
	NullValues []string
}

// DefaultReadOptions returns comma-delimited parsing with the default null
// sentinels.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{Delimiter: ',', NullValues: DefaultNullValues}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadCSV parses r into a Batch. The header row is required; empty or
// duplicate header names are a SchemaConflict.
func ReadCSV(r io.Reader, opts ReadOptions) (*Batch, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if opts.NullValues == nil {
		opts.NullValues = DefaultNullValues
	}
	nulls := make(map[string]struct{}, len(opts.NullValues))
	for _, v := range opts.NullValues {
		nulls[v] = struct{}{}
	}

	br := bufio.NewReader(r)
	if head, err := br.Peek(3); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(3)
	}

	cr := csv.NewReader(br)
	cr.Comma = opts.Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, lferrors.SchemaConflict("", "csv input has no header row")
	}
	if err != nil {
		return nil, lferrors.Wrap(err, lferrors.CodeSchemaConflict, "read csv header")
	}

	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, lferrors.SchemaConflict("", "empty header name at column %d", i+1)
		}
		if _, dup := seen[h]; dup {
			return nil, lferrors.SchemaConflict("", "duplicate header %q", h)
		}
		seen[h] = struct{}{}
		header[i] = h
	}

	batch := &Batch{Header: header}
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, lferrors.Wrap(err, lferrors.CodeSchemaConflict, "read csv row")
		}
		line, _ := cr.FieldPos(0)

		rec := RawRecord{Line: line, Cells: make([]Cell, len(header))}
		for i := range header {
			if i >= len(fields) {
				rec.Cells[i] = Cell{Null: true}
				continue
			}
			_, isNull := nulls[strings.TrimSpace(fields[i])]
			rec.Cells[i] = Cell{Value: fields[i], Null: isNull}
		}
		if len(fields) > len(header) {
			rec.Extra = len(fields) - len(header)
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

// ReadCSVBytes is ReadCSV over an in-memory object body.
func ReadCSVBytes(data []byte, opts ReadOptions) (*Batch, error) {
	b, err := ReadCSV(bytes.NewReader(data), opts)
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return b, nil
}
