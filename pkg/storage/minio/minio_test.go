package minio

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/minio/minio-go/v7"

	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/storage/object"
)

func TestClassify(t *testing.T) {
	if err := classify(minio.ErrorResponse{Code: "NoSuchKey"}, "get"); !errors.Is(err, object.ErrNotFound) {
		t.Errorf("NoSuchKey -> %v", err)
	}
	if err := classify(minio.ErrorResponse{Code: "AccessDenied"}, "get"); !lferrors.IsCode(err, lferrors.CodeConfig) {
		t.Errorf("AccessDenied -> %v", err)
	}
	if err := classify(fmt.Errorf("connection refused"), "list"); !lferrors.IsRetryable(err) {
		t.Errorf("network error should be retryable, got %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), Config{Bucket: "etl-bucket"})
	if !lferrors.IsCode(err, lferrors.CodeConfig) {
		t.Errorf("err = %v, want config error", err)
	}
}

func TestNewParsesURL(t *testing.T) {
	s, err := New(context.Background(), Config{
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		Bucket:          "etl-bucket",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.client.EndpointURL().Host; got != "localhost:9000" {
		t.Errorf("endpoint host = %q", got)
	}
}
