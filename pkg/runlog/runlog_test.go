package runlog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/logflow/tableflow/pkg/loader"
	"github.com/logflow/tableflow/pkg/storage/object"
	"github.com/logflow/tableflow/pkg/validation"
)

func TestRunLogKey(t *testing.T) {
	l := &RunLog{RunID: "abc", StartedAt: time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)}
	if got := l.Key(DefaultPrefix); got != "logs/run_20240501T093000Z_abc.json" {
		t.Errorf("Key() = %q", got)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := object.NewMemoryStorage()
	w := NewWriter(store, "")

	start := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	l := &RunLog{
		RunID:     NewRunID(),
		Object:    ObjectRef{Path: "incoming/events.csv", Fingerprint: "xxh3:01", Size: 42},
		Table:     "parent_events",
		MergeKey:  []string{"id"},
		Counts:    FromResult(&loader.Result{Staged: 4, Inserted: 2, Updated: 1, Unchanged: 1}),
		Phase:     PhaseRecorded,
		StartedAt: start,
		Validation: &validation.Report{Table: "parent_events", Rows: 4, Checks: []validation.Check{
			{Name: "row_count", Passed: true, Severity: validation.SeverityError},
		}},
	}
	l.Finish(StatusSucceeded, start.Add(1500*time.Millisecond))

	key, err := w.Write(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, "logs/run_20240501T093000Z_") {
		t.Errorf("key = %q", key)
	}

	got, err := w.Read(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.DurationMS != 1500 || got.Status != StatusSucceeded || got.Counts.Inserted != 2 {
		t.Errorf("read back %+v", got)
	}
	if got.Validation.Checks[0].Severity != validation.SeverityError {
		t.Errorf("severity = %v", got.Validation.Checks[0].Severity)
	}
}

func TestFromResultNil(t *testing.T) {
	if got := FromResult(nil); got != (Counts{}) {
		t.Errorf("FromResult(nil) = %+v", got)
	}
}
