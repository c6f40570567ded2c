package tracker

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
)

// TestRedisBackend needs TABLEFLOW_TEST_REDIS_ADDR pointing at a scratch
// Redis server.
func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("TABLEFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TABLEFLOW_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	cfg := DefaultRedisConfig(addr)
	cfg.Key = "tableflow:test:" + uuid.NewString()
	b, err := NewRedisBackend(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		b.client.Del(ctx, cfg.Key)
		b.Close()
	}()

	reg, version, err := b.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	reg.Objects["a.csv"] = &Record{Path: "a.csv", Status: StatusPending}
	v1, err := b.Save(ctx, reg, version)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != "1" {
		t.Errorf("first version = %q, want 1", v1)
	}
	if _, err := b.Save(ctx, reg, version); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale Save() = %v, want ErrVersionConflict", err)
	}

	got, v, err := b.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != v1 || got.Objects["a.csv"] == nil {
		t.Fatalf("Load() = %+v, %q", got, v)
	}
}
