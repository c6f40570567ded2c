package schema

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"

	lferrors "github.com/logflow/tableflow/pkg/errors"
)

// Column is one resolved column.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// Descriptor is an ordered column schema. Columns appear in first-seen
// source order. A Descriptor is not modified after Infer returns it.
type Descriptor struct {
	Columns []Column `json:"columns"`
	// SampledRows is the number of records inference looked at.
	SampledRows int `json:"sampled_rows"`
}

// Lookup returns the column with the given name.
func (d *Descriptor) Lookup(name string) (Column, bool) {
	if d == nil {
		return Column{}, false
	}
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns column names in order.
func (d *Descriptor) Names() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// String renders the descriptor as "name TYPE [NULL], ...".
func (d *Descriptor) String() string {
	parts := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		parts[i] = c.Name + " " + c.Type.String()
		if c.Nullable {
			parts[i] += " NULL"
		}
	}
	return strings.Join(parts, ", ")
}

// Fingerprint is a stable hash of column names, types and nullability.
func (d *Descriptor) Fingerprint() string {
	h := xxh3.New()
	for _, c := range d.Columns {
		fmt.Fprintf(h, "%s\x00%s\x00%t\x01", c.Name, c.Type, c.Nullable)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// InferOptions bounds inference.
type InferOptions struct {
	// SampleSize limits inference to the first N records. Zero means the
	// whole batch. A bounded sample can under-type a column whose wider
	// values appear late; those rows are then rejected at load time.
	SampleSize int
}

type columnState struct {
	typ       ColumnType
	nullable  bool
	malformed string // first cell that opened like JSON but failed to parse
	line      int
}

// Infer resolves a Descriptor for batch. Each column's type is the join of
// its non-null cells' classifications; a column with no non-null cells is a
// nullable STRING.
func Infer(batch *Batch, opts InferOptions) (*Descriptor, error) {
	if batch == nil || len(batch.Header) == 0 {
		return nil, lferrors.SchemaConflict("", "batch has no columns")
	}

	records := batch.Records
	if opts.SampleSize > 0 && len(records) > opts.SampleSize {
		records = records[:opts.SampleSize]
	}

	states := make([]columnState, len(batch.Header))
	for _, rec := range records {
		for i := range batch.Header {
			cell := rec.Get(i)
			if cell.Null {
				states[i].nullable = true
				continue
			}
			t := Classify(cell.Value)
			if t == TypeString && states[i].malformed == "" && LooksLikeJSON(cell.Value) {
				states[i].malformed = cell.Value
				states[i].line = rec.Line
			}
			states[i].typ = Join(states[i].typ, t)
		}
	}

	desc := &Descriptor{
		Columns:     make([]Column, len(batch.Header)),
		SampledRows: len(records),
	}
	for i, name := range batch.Header {
		st := states[i]
		if st.typ == TypeJSON && st.malformed != "" {
			return nil, lferrors.SchemaConflict("", "column %q mixes json with a malformed json fragment", name).
				WithContext("line", st.line)
		}
		typ := st.typ
		if typ == TypeNull {
			typ = TypeString
			st.nullable = true
		}
		desc.Columns[i] = Column{Name: name, Type: typ, Nullable: st.nullable}
	}
	return desc, nil
}
