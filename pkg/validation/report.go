package validation

import (
	"context"
	"fmt"

	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/warehouse"
)

// Severity indicates the importance of a failed check.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity name in run logs.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "warning":
		*s = SeverityWarning
	case "error":
		*s = SeverityError
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

// Check is one post-merge assertion.
type Check struct {
	Name     string   `json:"name"`
	Column   string   `json:"column,omitempty"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
}

// Report summarizes the target table after a merge.
type Report struct {
	Table   string           `json:"table"`
	Rows    int64            `json:"rows"`
	NonNull map[string]int64 `json:"non_null,omitempty"`
	Checks  []Check          `json:"checks"`
}

// Failed returns the failed checks of at least min severity.
func (r *Report) Failed(min Severity) []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed && c.Severity >= min {
			out = append(out, c)
		}
	}
	return out
}

// Expectation is what the merge promised about the target table.
type Expectation struct {
	Table string
	Desc  *schema.Descriptor
	Key   []string
	// MinRows is the smallest row count consistent with the merge: the
	// rows inserted plus updated plus unchanged in this batch.
	MinRows int64
}

// Validate counts rows and the non-null values of key and JSON columns in
// the target, then checks them against exp.
func Validate(ctx context.Context, wh warehouse.Warehouse, exp Expectation) (*Report, error) {
	var cols []string
	cols = append(cols, exp.Key...)
	var jsonCols []string
	if exp.Desc != nil {
		for _, c := range exp.Desc.Columns {
			if c.Type == schema.TypeJSON {
				jsonCols = append(jsonCols, c.Name)
				cols = append(cols, c.Name)
			}
		}
	}

	stats, err := wh.Stats(ctx, exp.Table, cols)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", exp.Table, err)
	}

	r := &Report{Table: exp.Table, Rows: stats.Rows, NonNull: stats.NonNull}
	r.Checks = append(r.Checks, Check{
		Name:     "row_count",
		Passed:   stats.Rows >= exp.MinRows,
		Severity: SeverityError,
		Message:  fmt.Sprintf("table has %d rows, batch accounts for at least %d", stats.Rows, exp.MinRows),
	})
	for _, k := range exp.Key {
		n := stats.NonNull[k]
		r.Checks = append(r.Checks, Check{
			Name:     "key_not_null",
			Column:   k,
			Passed:   n == stats.Rows,
			Severity: SeverityError,
			Message:  fmt.Sprintf("%d of %d rows have a key", n, stats.Rows),
		})
	}
	for _, c := range jsonCols {
		n := stats.NonNull[c]
		r.Checks = append(r.Checks, Check{
			Name:     "json_present",
			Column:   c,
			Passed:   stats.Rows == 0 || n > 0,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d of %d rows carry %s", n, stats.Rows, c),
		})
	}
	return r, nil
}
