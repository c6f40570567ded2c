// Package loader moves one batch into its target table in three phases:
// stage the raw bytes, bulk copy them into a fresh staging table, and merge
// the staging table into the target keyed on the merge key.
package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/logflow/tableflow/pkg/ddl"
	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/storage/object"
	"github.com/logflow/tableflow/pkg/warehouse"
)

// maxRecordedRejections caps how many rejections are kept for the run log.
const maxRecordedRejections = 20

// Config controls the loader.
type Config struct {
	StagingPrefix string
	Policy        RejectPolicy
	// DropStaging drops the staging table and deletes the staged copy of
	// the batch after a successful merge. Quarantine files are kept.
	DropStaging bool
	Read        schema.ReadOptions
}

// DefaultConfig returns the strict policy with staging under "staging/".
func DefaultConfig() Config {
	return Config{
		StagingPrefix: "staging/",
		Policy:        RejectStrict,
		DropStaging:   true,
		Read:          schema.DefaultReadOptions(),
	}
}

// Loader runs the three load phases against one object store and one
// warehouse.
type Loader struct {
	store object.Store
	wh    warehouse.Warehouse
	cfg   Config
	log   *zap.SugaredLogger
}

// New creates a Loader.
func New(store object.Store, wh warehouse.Warehouse, cfg Config, log *zap.SugaredLogger) *Loader {
	if cfg.StagingPrefix == "" {
		cfg.StagingPrefix = "staging/"
	}
	if !strings.HasSuffix(cfg.StagingPrefix, "/") {
		cfg.StagingPrefix += "/"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Loader{store: store, wh: wh, cfg: cfg, log: log}
}

// Policy returns the configured reject policy.
func (l *Loader) Policy() RejectPolicy { return l.cfg.Policy }

// Batch is one source object ready to load.
type Batch struct {
	RunID  string
	Tag    string
	Object string // source object path
	Data   []byte
	Target string
	Key    []string
	Plan   *ddl.Plan
}

// Staged is a batch whose bytes sit at Location.
type Staged struct {
	*Batch
	Location     string
	StagingTable string

	copied bool
}

// CopyResult is the outcome of phase 2.
type CopyResult struct {
	Staged     int64       `json:"staged"`
	Loaded     int64       `json:"loaded"`
	Rejected   int64       `json:"rejected"`
	Rejections []Rejection `json:"rejections,omitempty"`
	Quarantine string      `json:"quarantine,omitempty"`
}

// Result is the row accounting of a complete load.
type Result struct {
	Staged     int64       `json:"staged"`
	Inserted   int64       `json:"inserted"`
	Updated    int64       `json:"updated"`
	Unchanged  int64       `json:"unchanged"`
	Rejected   int64       `json:"rejected"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

// Reconciles reports whether every staged row is accounted for.
func (r Result) Reconciles() bool {
	return r.Staged == r.Inserted+r.Updated+r.Unchanged+r.Rejected
}

// StagingLocation is the run-scoped object path a batch is staged at.
func (l *Loader) StagingLocation(runID, objectPath string) string {
	return l.cfg.StagingPrefix + runID + "/" + path.Base(objectPath)
}

// Stage writes the batch's raw bytes to its run-scoped staging location.
func (l *Loader) Stage(ctx context.Context, b *Batch) (*Staged, error) {
	if b.Plan == nil || b.Plan.Effective == nil {
		return nil, fmt.Errorf("stage %s: no load plan", b.Object)
	}
	loc := l.StagingLocation(b.RunID, b.Object)
	if err := l.store.Put(ctx, loc, b.Data); err != nil {
		return nil, fmt.Errorf("stage %s: %w", b.Object, err)
	}
	l.log.Debugw("batch staged", "run_id", b.RunID, "object", b.Object, "location", loc, "bytes", len(b.Data))
	return &Staged{
		Batch:        b,
		Location:     loc,
		StagingTable: warehouse.StagingName(b.Target, b.Object),
	}, nil
}

// Copy reads the staged bytes back, converts every row to the effective
// schema, and loads the accepted rows into a freshly recreated staging
// table. Duplicate merge keys fail with MergeKeyCollision; under the strict
// policy any rejected row fails with LoadRejected. Either way nothing is
// loaded.
func (l *Loader) Copy(ctx context.Context, st *Staged) (*CopyResult, error) {
	data, err := l.store.Get(ctx, st.Location)
	if err != nil {
		return nil, fmt.Errorf("read staged %s: %w", st.Location, err)
	}
	batch, err := schema.ReadCSVBytes(data, l.cfg.Read)
	if err != nil {
		return nil, err
	}

	desc := st.Plan.Effective
	rows, rejected, res, err := l.convert(st, batch, desc)
	if err != nil {
		return nil, err
	}

	if res.Rejected > 0 {
		if l.cfg.Policy == RejectStrict {
			return res, lferrors.Newf(lferrors.CodeLoadRejected, "%d of %d rows rejected", res.Rejected, res.Staged).
				WithContext("object", st.Object).
				WithContext("first", res.Rejections[0].String())
		}
		l.log.Warnw("rows rejected", "run_id", st.RunID, "object", st.Object,
			"rejected", res.Rejected, "policy", l.cfg.Policy.String())
		if l.cfg.Policy == RejectQuarantine {
			if res.Quarantine, err = l.quarantine(ctx, st, batch.Header, rejected); err != nil {
				return res, err
			}
		}
	}

	n, err := l.wh.LoadStaging(ctx, st.Tag, st.StagingTable, desc, rows)
	if err != nil {
		return res, fmt.Errorf("load staging %s: %w", st.StagingTable, err)
	}
	if n != int64(len(rows)) {
		return res, lferrors.Newf(lferrors.CodeReconciliation, "staging table holds %d rows, %d were loaded", n, len(rows)).
			WithContext("table", st.StagingTable)
	}
	res.Loaded = n
	st.copied = true
	return res, nil
}

// convert coerces batch into rows aligned with desc.
func (l *Loader) convert(st *Staged, batch *schema.Batch, desc *schema.Descriptor) ([][]any, []schema.RawRecord, *CopyResult, error) {
	res := &CopyResult{Staged: int64(len(batch.Records))}

	idx := make([]int, len(desc.Columns))
	for i, c := range desc.Columns {
		idx[i] = batch.Index(c.Name)
		if idx[i] < 0 {
			return nil, nil, nil, lferrors.SchemaConflict(st.Target, "staged object lacks column %q", c.Name)
		}
	}
	keyPos := make([]int, len(st.Key))
	for i, k := range st.Key {
		for j, c := range desc.Columns {
			if c.Name == k {
				keyPos[i] = j
			}
		}
	}

	reject := func(rec schema.RawRecord, column, reason string) {
		res.Rejected++
		if len(res.Rejections) < maxRecordedRejections {
			res.Rejections = append(res.Rejections, Rejection{Line: rec.Line, Column: column, Reason: reason})
		}
	}

	rows := make([][]any, 0, len(batch.Records))
	var rejected []schema.RawRecord
	seen := make(map[string]int, len(batch.Records))

records:
	for _, rec := range batch.Records {
		if rec.Extra > 0 {
			reject(rec, "", fmt.Sprintf("%d cells beyond the header", rec.Extra))
			rejected = append(rejected, rec)
			continue
		}

		row := make([]any, len(desc.Columns))
		for i, c := range desc.Columns {
			cell := rec.Get(idx[i])
			if cell.Null {
				continue
			}
			v, err := schema.Coerce(cell.Value, c.Type)
			if err != nil {
				reject(rec, c.Name, err.Error())
				rejected = append(rejected, rec)
				continue records
			}
			row[i] = v
		}

		var key strings.Builder
		for i, p := range keyPos {
			if row[p] == nil {
				reject(rec, st.Key[i], "merge key is null")
				rejected = append(rejected, rec)
				continue records
			}
			fmt.Fprintf(&key, "%v\x00", row[p])
		}
		if first, dup := seen[key.String()]; dup {
			return nil, nil, res, lferrors.Newf(lferrors.CodeMergeKeyCollision,
				"merge key %s repeats on lines %d and %d", strings.Join(st.Key, ","), first, rec.Line).
				WithContext("object", st.Object)
		}
		seen[key.String()] = rec.Line
		rows = append(rows, row)
	}
	return rows, rejected, res, nil
}

func (l *Loader) quarantine(ctx context.Context, st *Staged, header []string, recs []schema.RawRecord) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(header)
	for _, rec := range recs {
		fields := make([]string, len(rec.Cells))
		for i, c := range rec.Cells {
			fields[i] = c.Value
		}
		_ = w.Write(fields)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	loc := strings.TrimSuffix(st.Location, path.Ext(st.Location)) + ".rejected.csv"
	if err := l.store.Put(ctx, loc, buf.Bytes()); err != nil {
		return "", fmt.Errorf("quarantine rejected rows: %w", err)
	}
	return loc, nil
}

// Merge upserts the staging table into the target. It refuses to run for a
// batch whose copy phase did not complete.
func (l *Loader) Merge(ctx context.Context, st *Staged, cp *CopyResult) (Result, error) {
	if !st.copied || cp == nil {
		return Result{}, fmt.Errorf("merge %s: staging table was not loaded", st.Object)
	}

	counts, err := l.wh.Merge(ctx, st.Tag, warehouse.MergeRequest{
		Target:  st.Target,
		Staging: st.StagingTable,
		Columns: st.Plan.Effective.Names(),
		Key:     st.Key,
	})
	if err != nil {
		return Result{}, fmt.Errorf("merge into %s: %w", st.Target, err)
	}

	res := Result{
		Staged:     cp.Staged,
		Inserted:   counts.Inserted,
		Updated:    counts.Updated,
		Unchanged:  counts.Unchanged,
		Rejected:   cp.Rejected,
		Rejections: cp.Rejections,
	}
	if counts.Total() != cp.Loaded {
		return res, lferrors.Newf(lferrors.CodeReconciliation,
			"merge accounted for %d rows, staging table held %d", counts.Total(), cp.Loaded).
			WithContext("table", st.Target)
	}

	if l.cfg.DropStaging {
		if err := l.wh.DropTable(ctx, st.Tag, st.StagingTable); err != nil {
			l.log.Warnw("drop staging table failed", "table", st.StagingTable, "error", err)
		}
		if err := l.store.Delete(ctx, st.Location); err != nil {
			l.log.Warnw("delete staged object failed", "location", st.Location, "error", err)
		}
	}
	return res, nil
}
