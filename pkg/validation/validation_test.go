package validation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/warehouse/duckdb"
)

func TestValidateObjectKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"incoming/events.csv", false},
		{"events.csv", false},
		{"", true},
		{"/abs/events.csv", true},
		{"a/../b.csv", true},
		{"a//b.csv", true},
		{"metadata/ingestion_registry.json", true},
		{"logs/run.json", true},
		{"staging/x/events.csv", true},
	}
	for _, tt := range tests {
		err := ValidateObjectKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateObjectKey(%q) = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
		if err != nil && !lferrors.IsCode(err, lferrors.CodeValidationFailed) {
			t.Errorf("ValidateObjectKey(%q) code = %s", tt.key, lferrors.GetCode(err))
		}
	}
}

func TestValidateUploadFile(t *testing.T) {
	dir := t.TempDir()
	csv := filepath.Join(dir, "events.csv")
	txt := filepath.Join(dir, "events.txt")
	for _, p := range []string{csv, txt} {
		if err := os.WriteFile(p, []byte("id\n1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"csv file", csv, false},
		{"wrong extension", txt, true},
		{"directory", dir, true},
		{"missing", filepath.Join(dir, "nope.csv"), true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateUploadFile(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !filepath.IsAbs(got) {
				t.Errorf("path %q is not absolute", got)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"a long column name", 10, "a long ..."},
		{"abc", 2, "..."},
	}
	for _, tt := range tests {
		if got := TruncateString(tt.in, tt.max); got != tt.want {
			t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	wh, err := duckdb.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer wh.Close()

	if err := wh.Exec(ctx, "test",
		`CREATE TABLE events (id BIGINT, meta JSON)`,
		`INSERT INTO events VALUES (1, '{"a":1}'), (2, NULL), (NULL, NULL)`,
	); err != nil {
		t.Fatal(err)
	}

	desc := &schema.Descriptor{Columns: []schema.Column{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "meta", Type: schema.TypeJSON, Nullable: true},
	}}
	r, err := Validate(ctx, wh, Expectation{Table: "events", Desc: desc, Key: []string{"id"}, MinRows: 2})
	if err != nil {
		t.Fatal(err)
	}
	if r.Rows != 3 || r.NonNull["meta"] != 1 || r.NonNull["id"] != 2 {
		t.Fatalf("report = %+v", r)
	}

	failed := r.Failed(SeverityError)
	if len(failed) != 1 || failed[0].Name != "key_not_null" {
		t.Fatalf("failed checks = %+v, want key_not_null", failed)
	}
	if got := r.Failed(SeverityWarning); len(got) != 1 {
		t.Errorf("json_present should pass: %+v", got)
	}
}
