package s3

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"

	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/storage/object"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		code   lferrors.Code
	}{
		{"no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, object.ErrNotFound, ""},
		{"precondition", &smithy.GenericAPIError{Code: "PreconditionFailed"}, object.ErrPreconditionFailed, ""},
		{"conflict", &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}, object.ErrPreconditionFailed, ""},
		{"denied", &smithy.GenericAPIError{Code: "AccessDenied"}, nil, lferrors.CodeConfig},
		{"throttled", &smithy.GenericAPIError{Code: "SlowDown"}, nil, lferrors.CodeTransientIO},
		{"network", fmt.Errorf("dial tcp: connection refused"), nil, lferrors.CodeTransientIO},
		{"deadline", context.DeadlineExceeded, nil, lferrors.CodeTransientIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err, "op")
			if tt.target != nil && !errors.Is(got, tt.target) {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.target)
			}
			if tt.code != "" && !lferrors.IsCode(got, tt.code) {
				t.Errorf("classify(%v) code = %s, want %s", tt.err, lferrors.GetCode(got), tt.code)
			}
		})
	}
}

func TestNewClientRequiresBucket(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Region: "us-east-1"})
	if !lferrors.IsCode(err, lferrors.CodeConfig) {
		t.Errorf("err = %v, want config error", err)
	}
}

func TestContentType(t *testing.T) {
	if contentType("metadata/ingestion_registry.json") != "application/json" {
		t.Error("json content type")
	}
	if contentType("incoming/a.csv") != "text/csv" {
		t.Error("csv content type")
	}
}
