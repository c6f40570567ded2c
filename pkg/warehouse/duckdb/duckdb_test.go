package duckdb

import (
	"context"
	"testing"
	"time"

	"github.com/logflow/tableflow/pkg/ddl"
	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/warehouse"
)

func openTest(t *testing.T) *Warehouse {
	t.Helper()
	w, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

var desc = &schema.Descriptor{Columns: []schema.Column{
	{Name: "id", Type: schema.TypeInteger},
	{Name: "name", Type: schema.TypeString, Nullable: true},
	{Name: "seen", Type: schema.TypeDate, Nullable: true},
	{Name: "meta", Type: schema.TypeJSON, Nullable: true},
}}

func load(t *testing.T, w *Warehouse, rows [][]any) warehouse.MergeCounts {
	t.Helper()
	ctx := context.Background()
	n, err := w.LoadStaging(ctx, "test", "events_stg", desc, rows)
	if err != nil {
		t.Fatalf("LoadStaging: %v", err)
	}
	if n != int64(len(rows)) {
		t.Fatalf("staged %d rows, want %d", n, len(rows))
	}
	counts, err := w.Merge(ctx, "test", warehouse.MergeRequest{
		Target: "events", Staging: "events_stg", Columns: desc.Names(), Key: []string{"id"},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	return counts
}

func TestDescribeMissingTable(t *testing.T) {
	w := openTest(t)
	got, err := w.DescribeTable(context.Background(), "nope")
	if err != nil || got != nil {
		t.Errorf("DescribeTable(nope) = %v, %v", got, err)
	}
}

func TestCreateDescribeMergeReplay(t *testing.T) {
	w := openTest(t)
	ctx := context.Background()

	plan, err := ddl.Synthesize(w.Dialect(), "events", desc, nil, []string{"id"})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Exec(ctx, "tableflow:test", plan.Statements...); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	got, err := w.DescribeTable(ctx, "events")
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "id INTEGER, name STRING NULL, seen DATE NULL, meta JSON NULL" {
		t.Errorf("described %s", got)
	}

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := [][]any{
		{int64(1), "John", day, `{"user_id":123,"session_duration":45}`},
		{int64(2), "Maria", nil, `{"user_id":456,"amount":120.5}`},
	}

	first := load(t, w, rows)
	if first != (warehouse.MergeCounts{Inserted: 2}) {
		t.Errorf("first load = %+v", first)
	}

	replay := load(t, w, rows)
	if replay != (warehouse.MergeCounts{Unchanged: 2}) {
		t.Errorf("replay = %+v, want 2 unchanged", replay)
	}

	rows[0][3] = `{"user_id":123,"session_duration":90}`
	rows = append(rows, []any{int64(9), nil, nil, nil})
	update := load(t, w, rows)
	if update != (warehouse.MergeCounts{Inserted: 1, Updated: 1, Unchanged: 1}) {
		t.Errorf("update = %+v", update)
	}

	var dur int64
	if err := w.DB().QueryRow(`SELECT CAST(json_extract(meta, '$.session_duration') AS BIGINT) FROM events WHERE id = 1`).Scan(&dur); err != nil {
		t.Fatal(err)
	}
	if dur != 90 {
		t.Errorf("session_duration = %d, want 90", dur)
	}

	stats, err := w.Stats(ctx, "events", []string{"meta"})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Rows != 3 || stats.NonNull["meta"] != 2 {
		t.Errorf("stats = %+v", stats)
	}

	if err := w.DropTable(ctx, "test", "events_stg"); err != nil {
		t.Fatal(err)
	}
	if got, _ := w.DescribeTable(ctx, "events_stg"); got != nil {
		t.Error("staging table still exists")
	}
}

func TestLoadStagingTruncates(t *testing.T) {
	w := openTest(t)
	ctx := context.Background()
	if _, err := w.LoadStaging(ctx, "", "s", desc, [][]any{{int64(1), "a", nil, nil}, {int64(2), "b", nil, nil}}); err != nil {
		t.Fatal(err)
	}
	n, err := w.LoadStaging(ctx, "", "s", desc, [][]any{{int64(3), "c", nil, nil}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("staging holds %d rows after reload, want 1", n)
	}
}
