package loader

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/logflow/tableflow/pkg/ddl"
	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/storage/object"
	"github.com/logflow/tableflow/pkg/warehouse/duckdb"
)

type fixture struct {
	store *object.MemoryStorage
	wh    *duckdb.Warehouse
	l     *Loader
}

func newFixture(t *testing.T, policy RejectPolicy) *fixture {
	t.Helper()
	wh, err := duckdb.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { wh.Close() })

	cfg := DefaultConfig()
	cfg.Policy = policy
	store := object.NewMemoryStorage()
	return &fixture{store: store, wh: wh, l: New(store, wh, cfg, zap.NewNop().Sugar())}
}

// batch infers data, applies DDL for table "events" and returns a batch.
func (f *fixture) batch(t *testing.T, runID, data string) *Batch {
	t.Helper()
	ctx := context.Background()
	parsed, err := schema.ReadCSV(strings.NewReader(data), schema.DefaultReadOptions())
	if err != nil {
		t.Fatal(err)
	}
	desc, err := schema.Infer(parsed, schema.InferOptions{})
	if err != nil {
		t.Fatal(err)
	}
	existing, err := f.wh.DescribeTable(ctx, "events")
	if err != nil {
		t.Fatal(err)
	}
	plan, err := ddl.Synthesize(f.wh.Dialect(), "events", desc, existing, []string{"id"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.wh.Exec(ctx, "tableflow:"+runID, plan.Statements...); err != nil {
		t.Fatal(err)
	}
	return &Batch{
		RunID:  runID,
		Tag:    "tableflow:" + runID,
		Object: "incoming/events.csv",
		Data:   []byte(data),
		Target: "events",
		Key:    []string{"id"},
		Plan:   plan,
	}
}

func (f *fixture) load(t *testing.T, b *Batch) (Result, error) {
	t.Helper()
	ctx := context.Background()
	st, err := f.l.Stage(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := f.l.Copy(ctx, st)
	if err != nil {
		return Result{}, err
	}
	return f.l.Merge(ctx, st, cp)
}

const first = `id,name,country,event_metadata
1,John,DE,"{""user_id"":123,""session_duration"":45}"
2,Maria,FR,"{""user_id"":456,""amount"":120.5}"
`

const second = `id,name,country,event_metadata
1,John,DE,"{""user_id"":123,""session_duration"":90}"
2,Maria,FR,"{""user_id"":456,""amount"":120.5}"
9,Ana,ES,"{""user_id"":789}"
10,Li,CN,"{""user_id"":1011}"
`

func TestLoadUpdateAndReplay(t *testing.T) {
	f := newFixture(t, RejectStrict)

	res, err := f.load(t, f.batch(t, "r1", first))
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 2 || res.Updated != 0 || !res.Reconciles() {
		t.Errorf("first load = %+v", res)
	}

	res, err = f.load(t, f.batch(t, "r2", second))
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 2 || res.Updated != 1 || res.Unchanged != 1 || !res.Reconciles() {
		t.Errorf("second load = %+v", res)
	}

	res, err = f.load(t, f.batch(t, "r3", second))
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 0 || res.Updated != 0 || res.Unchanged != 4 {
		t.Errorf("replay = %+v", res)
	}

	stats, err := f.wh.Stats(context.Background(), "events", nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Rows != 4 {
		t.Errorf("rows = %d, want 4", stats.Rows)
	}
}

func TestStageLocation(t *testing.T) {
	f := newFixture(t, RejectStrict)
	st, err := f.l.Stage(context.Background(), f.batch(t, "run-7", first))
	if err != nil {
		t.Fatal(err)
	}
	if st.Location != "staging/run-7/events.csv" {
		t.Errorf("Location = %q", st.Location)
	}
	got, err := f.store.Get(context.Background(), st.Location)
	if err != nil || string(got) != first {
		t.Errorf("staged bytes = %q, %v", got, err)
	}
}

func TestStrictRejection(t *testing.T) {
	f := newFixture(t, RejectStrict)
	b := f.batch(t, "r1", first)
	b.Data = []byte(first + "oops,Bad,XX,\n")

	_, err := f.load(t, b)
	if !lferrors.IsCode(err, lferrors.CodeLoadRejected) {
		t.Fatalf("err = %v, want LoadRejected", err)
	}
	stats, _ := f.wh.Stats(context.Background(), "events", nil)
	if stats.Rows != 0 {
		t.Errorf("target has %d rows after a rejected load", stats.Rows)
	}
}

func TestLenientRejection(t *testing.T) {
	for _, policy := range []RejectPolicy{RejectLenient, RejectQuarantine} {
		t.Run(policy.String(), func(t *testing.T) {
			f := newFixture(t, policy)
			b := f.batch(t, "r1", first)
			b.Data = []byte(first + "oops,Bad,XX,\n3,Extra,PL,{},surplus\n,NoKey,PL,\n")

			ctx := context.Background()
			st, err := f.l.Stage(ctx, b)
			if err != nil {
				t.Fatal(err)
			}
			cp, err := f.l.Copy(ctx, st)
			if err != nil {
				t.Fatal(err)
			}
			res, err := f.l.Merge(ctx, st, cp)
			if err != nil {
				t.Fatal(err)
			}
			if res.Staged != 5 || res.Rejected != 3 || res.Inserted != 2 || !res.Reconciles() {
				t.Errorf("result = %+v", res)
			}
			if len(res.Rejections) != 3 || res.Rejections[2].Reason != "merge key is null" {
				t.Errorf("rejections = %v", res.Rejections)
			}

			if policy == RejectQuarantine {
				q, err := f.store.Get(ctx, cp.Quarantine)
				if err != nil {
					t.Fatalf("quarantine %q: %v", cp.Quarantine, err)
				}
				if !strings.Contains(string(q), "oops,Bad") {
					t.Errorf("quarantine = %q", q)
				}
			}
		})
	}
}

func TestMergeKeyCollision(t *testing.T) {
	f := newFixture(t, RejectStrict)
	data := first + "1,Johnny,DE,\n"
	_, err := f.load(t, f.batch(t, "r1", data))
	if !lferrors.IsCode(err, lferrors.CodeMergeKeyCollision) {
		t.Fatalf("err = %v, want MergeKeyCollision", err)
	}
}

func TestMergeRequiresCopy(t *testing.T) {
	f := newFixture(t, RejectStrict)
	st, err := f.l.Stage(context.Background(), f.batch(t, "r1", first))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.l.Merge(context.Background(), st, &CopyResult{}); err == nil {
		t.Error("merge ran without a completed copy")
	}
}

func TestParseRejectPolicy(t *testing.T) {
	tests := []struct {
		in   string
		want RejectPolicy
		ok   bool
	}{
		{"", RejectStrict, true},
		{"strict", RejectStrict, true},
		{"Lenient", RejectLenient, true},
		{"skip", RejectLenient, true},
		{"quarantine", RejectQuarantine, true},
		{"ignore", RejectStrict, false},
	}
	for _, tt := range tests {
		got, err := ParseRejectPolicy(tt.in)
		if got != tt.want || (err == nil) != tt.ok {
			t.Errorf("ParseRejectPolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestJSONColumnKeepsNonJSONNumbers(t *testing.T) {
	f := newFixture(t, RejectLenient)
	data := "id,payload\n1,\"{\"\"a\"\":1}\"\n2,007\n3,.5\n4,12\n"

	res, err := f.load(t, f.batch(t, "r1", data))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Inserted != 4 || res.Rejected != 0 || !res.Reconciles() {
		t.Errorf("result = %+v", res)
	}

	tests := []struct {
		id   int
		want string
	}{
		{2, `"007"`},
		{3, `".5"`},
		{4, `12`},
	}
	for _, tt := range tests {
		var got string
		row := f.wh.DB().QueryRowContext(context.Background(), "SELECT CAST(payload AS VARCHAR) FROM events WHERE id = ?", tt.id)
		if err := row.Scan(&got); err != nil {
			t.Fatalf("id %d: %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("payload for id %d = %s, want %s", tt.id, got, tt.want)
		}
	}
}

func TestMergeCleansUpStagedObject(t *testing.T) {
	tests := []struct {
		name     string
		drop     bool
		wantKept bool
	}{
		{"drop staging", true, false},
		{"keep staging", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, RejectStrict)
			f.l.cfg.DropStaging = tt.drop
			ctx := context.Background()

			st, err := f.l.Stage(ctx, f.batch(t, "r1", first))
			if err != nil {
				t.Fatal(err)
			}
			cp, err := f.l.Copy(ctx, st)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := f.l.Merge(ctx, st, cp); err != nil {
				t.Fatal(err)
			}

			listing, err := f.store.List(ctx, "staging/")
			if err != nil {
				t.Fatal(err)
			}
			if kept := len(listing) > 0; kept != tt.wantKept {
				t.Errorf("staged objects after merge = %+v, want kept=%v", listing, tt.wantKept)
			}
		})
	}
}

func TestQuarantineSurvivesCleanup(t *testing.T) {
	f := newFixture(t, RejectQuarantine)
	ctx := context.Background()
	b := f.batch(t, "r1", first)
	b.Data = []byte(first + "3,Li,CN,{},surplus\n")

	st, err := f.l.Stage(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := f.l.Copy(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.l.Merge(ctx, st, cp); err != nil {
		t.Fatal(err)
	}
	if cp.Quarantine == "" {
		t.Fatal("no quarantine file written")
	}
	if _, err := f.store.Get(ctx, st.Location); !errors.Is(err, object.ErrNotFound) {
		t.Errorf("staged object still present: %v", err)
	}
	if _, err := f.store.Get(ctx, cp.Quarantine); err != nil {
		t.Errorf("quarantine file removed: %v", err)
	}
}
