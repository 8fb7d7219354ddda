package storage

import (
	"errors"
	"testing"

	"github.com/dunamismax/metricflow/internal/config"
	"github.com/minio/minio-go/v7"
)

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(config.StorageConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error for empty bucket")
	}

	c, err := NewClient(config.StorageConfig{Endpoint: "localhost:9000", Bucket: "metricflow"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Bucket() != "metricflow" {
		t.Fatalf("expected bucket metricflow, got %s", c.Bucket())
	}
}

func TestIsNotFound(t *testing.T) {
	for _, code := range []string{"NoSuchKey", "NoSuchObject", "NoSuchBucket"} {
		if !isNotFound(minio.ErrorResponse{Code: code}) {
			t.Fatalf("expected %s to be not-found", code)
		}
	}
	if isNotFound(minio.ErrorResponse{Code: "AccessDenied"}) {
		t.Fatal("AccessDenied is not a not-found error")
	}
	if isNotFound(errors.New("connection refused")) {
		t.Fatal("plain errors are not not-found errors")
	}
}
