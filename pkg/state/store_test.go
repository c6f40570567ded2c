package state

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/logflow/tableflow/pkg/runlog"
)

func newLog(id, path string, status runlog.Status, started time.Time) *runlog.RunLog {
	l := &runlog.RunLog{
		RunID:     id,
		Object:    runlog.ObjectRef{Path: path, Fingerprint: "xxh3:1", Size: 10},
		Table:     "parent_events",
		Phase:     runlog.PhaseRecorded,
		Counts:    runlog.Counts{Staged: 3, Inserted: 2, Updated: 1},
		StartedAt: started,
	}
	if status == runlog.StatusFailed {
		l.Phase = runlog.PhaseStaged
		l.Counts = runlog.Counts{Staged: 3, Rejected: 3}
		l.Error = &runlog.ErrorDetail{Code: "E602", Message: "3 rows rejected"}
	}
	l.Finish(status, started.Add(time.Second))
	return l
}

func TestStoreRecordAndList(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(filepath.Join(t.TempDir(), "history.duckdb"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	logs := []*runlog.RunLog{
		newLog("r1", "a.csv", runlog.StatusSucceeded, base),
		newLog("r2", "b.csv", runlog.StatusFailed, base.Add(time.Minute)),
		newLog("r3", "a.csv", runlog.StatusSucceeded, base.Add(2*time.Minute)),
	}
	for _, l := range logs {
		if err := s.RecordRun(ctx, l); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordRun(ctx, logs[0]); err == nil {
		t.Error("recording a run twice succeeded")
	}

	runs, err := s.ListRuns(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 || runs[0].RunID != "r3" {
		t.Fatalf("ListRuns() = %d runs, first %q", len(runs), runs[0].RunID)
	}
	if runs[1].ErrorCode != "E602" || runs[1].Status != runlog.StatusFailed {
		t.Errorf("failed run = %+v", runs[1])
	}

	onlyA, err := s.ListRuns(ctx, "a.csv", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyA) != 2 {
		t.Errorf("ListRuns(a.csv) = %d runs, want 2", len(onlyA))
	}

	full, err := s.GetRun(ctx, "r2")
	if err != nil {
		t.Fatal(err)
	}
	if full.Error == nil || full.Error.Message != "3 rows rejected" {
		t.Errorf("GetRun(r2) = %+v", full)
	}
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetRun(missing) = %v, want sql.ErrNoRows", err)
	}

	sum, err := s.Summarize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := Summary{Runs: 3, Succeeded: 2, Failed: 1, Inserted: 4, Updated: 2, Rejected: 3}
	if *sum != want {
		t.Errorf("Summarize() = %+v, want %+v", *sum, want)
	}
}
