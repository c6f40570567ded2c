package main

import (
	"context"
	"strings"
	"testing"

	"github.com/logflow/tableflow/pkg/config"
	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/storage/object"
)

// plainStore exposes only object.Store, hiding conditional writes.
type plainStore struct{ object.Store }

func TestRouterFor(t *testing.T) {
	r, err := routerFor(config.TargetConfig{
		Table: "parent_events",
		Key:   []string{"id"},
		Routes: []config.RouteConfig{
			{Prefix: "orders/", Table: "orders", Key: []string{"order_id"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Resolve("orders/2026/01.csv"); got.Table != "orders" {
		t.Errorf("Resolve(orders/...) = %+v", got)
	}
	if got := r.Resolve("incoming/a.csv"); got.Table != "parent_events" {
		t.Errorf("Resolve(incoming/...) = %+v", got)
	}
}

func TestOpenTrackerBackend(t *testing.T) {
	ctx := context.Background()
	mem := object.NewMemoryStorage()

	b, err := openTrackerBackend(ctx, config.TrackerConfig{Backend: "object"}, mem)
	if err != nil || !strings.HasPrefix(b.Name(), "object:") {
		t.Errorf("object backend = %v, %v", b, err)
	}
	_, err = openTrackerBackend(ctx, config.TrackerConfig{Backend: "object"}, plainStore{mem})
	if !lferrors.IsCode(err, lferrors.CodeConfig) {
		t.Errorf("object backend over a plain store = %v, want config error", err)
	}
	if _, err := openTrackerBackend(ctx, config.TrackerConfig{Backend: "etcd"}, mem); !lferrors.IsFatal(err) {
		t.Errorf("unknown backend = %v, want fatal", err)
	}
}

func TestReadOptions(t *testing.T) {
	opts := readOptions(config.LoaderConfig{Delimiter: ";", NullValues: []string{"NA"}})
	if opts.Delimiter != ';' || len(opts.NullValues) != 1 {
		t.Errorf("readOptions = %+v", opts)
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"object", "status"}, [][]string{{"a.csv", "SUCCEEDED"}, {"b.csv", "FAILED"}}, 1)
	for _, want := range []string{"object", "a.csv", "FAILED"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}
