package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/logflow/tableflow/pkg/ddl"
	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/warehouse"
)

func TestPreviewSQL(t *testing.T) {
	req := warehouse.MergeRequest{Target: "events", Staging: "events_stg", Columns: []string{"id", "v"}, Key: []string{"id"}}
	got := previewSQL(ddl.Postgres{}, req)
	want := `SELECT count(*) FILTER (WHERE t."id" IS NULL), count(*) FILTER (WHERE t."id" IS NOT NULL AND NOT (t."v" IS DISTINCT FROM s."v")) FROM "events_stg" AS s LEFT JOIN "events" AS t ON t."id" = s."id"`
	if got != want {
		t.Errorf("previewSQL =\n%s\nwant\n%s", got, want)
	}
}

// Counts come from the preview query, so the MERGE itself stays within
// PostgreSQL 15 syntax.
func TestMergeSQLHasNoReturning(t *testing.T) {
	req := warehouse.MergeRequest{Target: "events", Staging: "events_stg", Columns: []string{"id", "v"}, Key: []string{"id"}}
	got := warehouse.MergeSQL(ddl.Postgres{}, req)
	if !strings.HasPrefix(got, "MERGE INTO") || strings.Contains(got, "RETURNING") {
		t.Errorf("MergeSQL = %s", got)
	}
}

func TestEncodeRows(t *testing.T) {
	desc := &schema.Descriptor{Columns: []schema.Column{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "meta", Type: schema.TypeJSON},
	}}
	rows := [][]any{{int64(1), `{"a":1}`}, {int64(2), nil}}
	out := encodeRows(desc, rows)
	if _, ok := out[0][1].(json.RawMessage); !ok {
		t.Errorf("json cell encoded as %T", out[0][1])
	}
	if out[1][1] != nil {
		t.Errorf("null json cell = %v", out[1][1])
	}
	if _, ok := rows[0][1].(string); !ok {
		t.Error("encodeRows mutated its input")
	}
}

func TestClassify(t *testing.T) {
	if err := classify(&pgconn.PgError{Code: "40001"}, "merge"); !lferrors.IsRetryable(err) {
		t.Errorf("serialization failure should be retryable: %v", err)
	}
	if err := classify(&pgconn.PgError{Code: "42P01"}, "merge"); lferrors.IsRetryable(err) {
		t.Errorf("undefined table should not be retryable: %v", err)
	}
	if err := classify(fmt.Errorf("dial tcp: i/o timeout"), "ping"); !lferrors.IsRetryable(err) {
		t.Errorf("network error should be retryable: %v", err)
	}
	if classify(nil, "x") != nil {
		t.Error("classify(nil) != nil")
	}
}

// TestMergeAgainstServer needs TABLEFLOW_TEST_POSTGRES_DSN pointing at a
// scratch PostgreSQL 15+ database.
func TestMergeAgainstServer(t *testing.T) {
	dsn := os.Getenv("TABLEFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TABLEFLOW_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	w, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	desc := &schema.Descriptor{Columns: []schema.Column{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "meta", Type: schema.TypeJSON, Nullable: true},
	}}
	table := "tableflow_it_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
	_ = w.DropTable(ctx, "", table)
	defer w.DropTable(ctx, "", table)

	plan, err := ddl.Synthesize(w.Dialect(), table, desc, nil, []string{"id"})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Exec(ctx, "tableflow:it", plan.Statements...); err != nil {
		t.Fatal(err)
	}

	stg := warehouse.StagingName(table, "it.csv")
	defer w.DropTable(ctx, "", stg)
	req := warehouse.MergeRequest{Target: table, Staging: stg, Columns: desc.Names(), Key: []string{"id"}}

	rows := [][]any{{int64(1), `{"a":1}`}, {int64(2), nil}}
	for i, want := range []warehouse.MergeCounts{{Inserted: 2}, {Unchanged: 2}} {
		if _, err := w.LoadStaging(ctx, "tableflow:it", stg, desc, rows); err != nil {
			t.Fatal(err)
		}
		got, err := w.Merge(ctx, "tableflow:it", req)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("merge %d = %+v, want %+v", i, got, want)
		}
	}
}
