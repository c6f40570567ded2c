package errors

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", Transient(fmt.Errorf("connection reset"), "get object"), true},
		{"wrapped transient", fmt.Errorf("stage: %w", Transient(fmt.Errorf("eof"), "put")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"schema conflict", SchemaConflict("events", "column %q removed", "x"), false},
		{"load rejected", New(CodeLoadRejected, "3 rows rejected"), false},
		{"plain", fmt.Errorf("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorMessageStable(t *testing.T) {
	err := New(CodeMergeKeyCollision, "duplicate merge key").
		WithContext("table", "events").
		WithContext("key", "id=7")

	want := "[E603] duplicate merge key (key=id=7, table=events)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, CodeTransientIO, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Transient(nil, "x") != nil {
		t.Error("Transient(nil) should be nil")
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := SchemaConflict("t", "type change")
	outer := fmt.Errorf("ddl: %w", inner)
	if !IsCode(outer, CodeSchemaConflict) {
		t.Error("expected SchemaConflict through fmt wrapping")
	}
	if !strings.Contains(outer.Error(), "type change") {
		t.Errorf("unexpected message %q", outer.Error())
	}
	if IsFatal(outer) {
		t.Error("schema conflict must not be fatal to the process")
	}
}
