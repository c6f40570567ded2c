// Package pipeline runs one source object through inference, DDL, staging
// and merge, and records the outcome with the tracker.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/logflow/tableflow/pkg/ddl"
	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/loader"
	"github.com/logflow/tableflow/pkg/resilience"
	"github.com/logflow/tableflow/pkg/runlog"
	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/state"
	"github.com/logflow/tableflow/pkg/storage/object"
	"github.com/logflow/tableflow/pkg/telemetry"
	"github.com/logflow/tableflow/pkg/tracker"
	"github.com/logflow/tableflow/pkg/validation"
	"github.com/logflow/tableflow/pkg/warehouse"
)

// Config controls a Coordinator.
type Config struct {
	// RunTimeout bounds one object's run. On expiry the run fails as
	// retryable.
	RunTimeout time.Duration
	Read       schema.ReadOptions
	Infer      schema.InferOptions
	// StrictValidation fails a run whose post-merge checks fail.
	StrictValidation bool
	// TagPrefix starts every statement tag.
	TagPrefix string
}

// DefaultConfig returns a 30 minute run timeout and full-batch inference.
func DefaultConfig() Config {
	return Config{
		RunTimeout: 30 * time.Minute,
		Read:       schema.DefaultReadOptions(),
		TagPrefix:  "tableflow",
	}
}

// Deps are the collaborators of a Coordinator. History may be nil.
type Deps struct {
	Store     object.Store
	Warehouse warehouse.Warehouse
	Tracker   *tracker.Tracker
	Loader    *loader.Loader
	RunLogs   *runlog.Writer
	History   *state.Store
	Router    *Router
	Retrier   *resilience.Retrier
}

// Coordinator drives objects through the pipeline phases.
type Coordinator struct {
	Deps
	cfg Config
	log *zap.SugaredLogger
	now func() time.Time

	ddlMu   sync.Mutex
	tableMu map[string]*sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(deps Deps, cfg Config, log *zap.SugaredLogger, opts ...Option) *Coordinator {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig().RunTimeout
	}
	if cfg.TagPrefix == "" {
		cfg.TagPrefix = "tableflow"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if deps.Retrier == nil {
		deps.Retrier = resilience.NewRetrier(resilience.DefaultRetryConfig(), log)
	}
	if deps.Router == nil {
		deps.Router, _ = NewRouter(Route{})
	}
	c := &Coordinator{Deps: deps, cfg: cfg, log: log, now: time.Now, tableMu: make(map[string]*sync.Mutex)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process claims rec and runs it to a terminal status. It returns
// (nil, nil) when the object could not be claimed. The returned error is
// the run's failure; it has already been recorded.
//
// ctx carries shutdown. It is checked between phases only: statements in
// flight run on a context detached from it, bounded by RunTimeout.
func (c *Coordinator) Process(ctx context.Context, rec tracker.Record) (*runlog.RunLog, error) {
	claim, ok, err := c.Tracker.Claim(ctx, rec)
	if lferrors.IsCode(err, lferrors.CodeTrackerClaimConflict) {
		c.log.Infow("claim conflict, skipping", "object", rec.Path, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", rec.Path, err)
	}
	if !ok {
		c.log.Debugw("object already claimed or done", "object", rec.Path)
		return nil, nil
	}

	route := c.Router.Resolve(claim.Path)
	runID := runlog.NewRunID()
	rl := &runlog.RunLog{
		RunID:     runID,
		Object:    runlog.ObjectRef{Path: claim.Path, Fingerprint: claim.Fingerprint, Size: claim.Size},
		Table:     route.Table,
		MergeKey:  route.Key,
		Tag:       fmt.Sprintf("%s run=%s object=%s", c.cfg.TagPrefix, runID, claim.Path),
		Attempt:   claim.Attempt,
		Phase:     runlog.PhaseClaimed,
		StartedAt: c.now().UTC(),
	}
	log := c.log.With("run_id", runID, "object", claim.Path, "table", route.Table)
	log.Infow("run started", "attempt", claim.Attempt, "reclaimed", claim.Reclaimed)

	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RunTimeout)
	defer cancel()
	work, span := telemetry.Start(work, "pipeline.run",
		attribute.String("run_id", runID),
		attribute.String("object", claim.Path),
		attribute.String("table", route.Table),
	)

	runErr := c.run(ctx, work, rl, route, log)
	if runErr != nil && work.Err() != nil && ctx.Err() == nil {
		runErr = lferrors.Wrapf(runErr, lferrors.CodeTimeout, "run exceeded %s", c.cfg.RunTimeout)
	}
	retryable := runErr != nil && retryableRun(runErr)

	if runErr == nil {
		rl.Phase = runlog.PhaseRecorded
		rl.Finish(runlog.StatusSucceeded, c.now())
	} else {
		rl.Error = &runlog.ErrorDetail{
			Code:      string(lferrors.GetCode(runErr)),
			Message:   runErr.Error(),
			Retryable: retryable,
		}
		rl.Finish(runlog.StatusFailed, c.now())
	}

	// Recording runs even after shutdown or timeout.
	record := context.WithoutCancel(ctx)
	if err := c.writeRunLog(record, rl, log); err != nil && runErr == nil {
		runErr, retryable = err, true
		rl.Status = runlog.StatusFailed
	}

	outcome := tracker.Outcome{RunID: runID, Err: runErr, Retryable: retryable}
	if err := c.Tracker.Complete(record, claim, outcome); err != nil {
		log.Warnw("completion not recorded", "error", err)
		telemetry.End(span, err)
		if runErr != nil {
			return rl, runErr
		}
		return rl, err
	}
	telemetry.End(span, runErr)

	if runErr != nil {
		log.Errorw("run failed", "phase", rl.Phase, "code", rl.Error.Code, "retryable", retryable, "error", runErr)
		return rl, runErr
	}
	log.Infow("run succeeded",
		"staged", rl.Counts.Staged,
		"inserted", rl.Counts.Inserted,
		"updated", rl.Counts.Updated,
		"unchanged", rl.Counts.Unchanged,
		"rejected", rl.Counts.Rejected,
		"duration_ms", rl.DurationMS,
	)
	return rl, nil
}

// retryableRun reports whether a failed run should be claimed again for
// the same content.
func retryableRun(err error) bool {
	return lferrors.IsRetryable(err) || lferrors.GetCode(err) == lferrors.CodeContextCanceled
}

// run executes the phases. shutdown is only consulted between phases;
// work carries the run deadline.
func (c *Coordinator) run(shutdown, work context.Context, rl *runlog.RunLog, route Route, log *zap.SugaredLogger) error {
	boundary := func(next string) error {
		if err := shutdown.Err(); err != nil {
			return lferrors.Wrapf(err, lferrors.CodeContextCanceled, "shutdown before %s", next)
		}
		if err := work.Err(); err != nil {
			return lferrors.Wrapf(err, lferrors.CodeTimeout, "deadline before %s", next)
		}
		return nil
	}

	// fetch + infer
	var data []byte
	err := c.Retrier.Do(work, "fetch", func(ctx context.Context) error {
		var err error
		data, err = c.Store.Get(ctx, rl.Object.Path)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rl.Object.Path, err)
	}
	batch, err := schema.ReadCSVBytes(data, c.cfg.Read)
	if err != nil {
		return err
	}
	desc, err := schema.Infer(batch, c.cfg.Infer)
	if err != nil {
		return err
	}
	rl.Schema = desc.Columns
	rl.SchemaHash = desc.Fingerprint()
	rl.Phase = runlog.PhaseSchemaInferred
	log.Debugw("schema inferred", "phase", rl.Phase, "schema", desc.String(), "rows", len(batch.Records))

	if err := boundary("ddl"); err != nil {
		return err
	}
	plan, err := c.applyDDL(work, rl, route, desc)
	if err != nil {
		return err
	}
	rl.DDL = plan.Statements
	rl.Phase = runlog.PhaseDDLApplied
	log.Debugw("ddl applied", "phase", rl.Phase, "statements", len(plan.Statements), "create", plan.Create)

	if err := boundary("stage"); err != nil {
		return err
	}
	b := &loader.Batch{
		RunID:  rl.RunID,
		Tag:    rl.Tag,
		Object: rl.Object.Path,
		Data:   data,
		Target: route.Table,
		Key:    route.Key,
		Plan:   plan,
	}
	var staged *loader.Staged
	err = c.Retrier.Do(work, "stage", func(ctx context.Context) error {
		var err error
		staged, err = c.Loader.Stage(ctx, b)
		return err
	})
	if err != nil {
		return err
	}
	var cp *loader.CopyResult
	err = c.Retrier.Do(work, "copy", func(ctx context.Context) error {
		var err error
		cp, err = c.Loader.Copy(ctx, staged)
		return err
	})
	if cp != nil {
		rl.Counts.Staged = cp.Staged
		rl.Counts.Rejected = cp.Rejected
		rl.Rejections = cp.Rejections
		rl.Quarantine = cp.Quarantine
	}
	if err != nil {
		return err
	}
	rl.Phase = runlog.PhaseStaged
	log.Debugw("batch staged", "phase", rl.Phase, "location", staged.Location, "loaded", cp.Loaded, "rejected", cp.Rejected)

	if err := boundary("merge"); err != nil {
		return err
	}
	var res loader.Result
	err = c.Retrier.Do(work, "merge", func(ctx context.Context) error {
		var err error
		res, err = c.Loader.Merge(ctx, staged, cp)
		return err
	})
	if err != nil {
		return err
	}
	rl.Counts = runlog.FromResult(&res)
	rl.Phase = runlog.PhaseMerged
	telemetry.SetAttributes(work,
		attribute.Int64("inserted", res.Inserted),
		attribute.Int64("updated", res.Updated),
		attribute.Int64("unchanged", res.Unchanged),
	)

	if !res.Reconciles() {
		return lferrors.Newf(lferrors.CodeReconciliation,
			"staged %d rows but inserted %d, updated %d, unchanged %d, rejected %d",
			res.Staged, res.Inserted, res.Updated, res.Unchanged, res.Rejected).
			WithContext("table", route.Table)
	}

	report, err := validation.Validate(work, c.Warehouse, validation.Expectation{
		Table:   route.Table,
		Desc:    plan.Effective,
		Key:     route.Key,
		MinRows: res.Inserted + res.Updated + res.Unchanged,
	})
	if err != nil {
		log.Warnw("validation query failed", "error", err)
		return nil
	}
	rl.Validation = report
	if failed := report.Failed(validation.SeverityWarning); len(failed) > 0 {
		log.Warnw("validation checks failed", "checks", failed)
		if c.cfg.StrictValidation && len(report.Failed(validation.SeverityError)) > 0 {
			return lferrors.Newf(lferrors.CodeValidationFailed, "%d post-merge checks failed", len(failed)).
				WithContext("table", route.Table)
		}
	}
	return nil
}

// applyDDL describes the target, synthesizes the plan and applies it. DDL
// for one table is serialized so concurrent runs agree on the effective
// schema.
func (c *Coordinator) applyDDL(ctx context.Context, rl *runlog.RunLog, route Route, desc *schema.Descriptor) (*ddl.Plan, error) {
	mu := c.lockFor(route.Table)
	mu.Lock()
	defer mu.Unlock()

	var existing *schema.Descriptor
	err := c.Retrier.Do(ctx, "describe", func(ctx context.Context) error {
		var err error
		existing, err = c.Warehouse.DescribeTable(ctx, route.Table)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", route.Table, err)
	}

	plan, err := ddl.Synthesize(c.Warehouse.Dialect(), route.Table, desc, existing, route.Key)
	if err != nil {
		return nil, err
	}
	if len(plan.Statements) == 0 {
		return plan, nil
	}
	err = c.Retrier.Do(ctx, "ddl", func(ctx context.Context) error {
		return c.Warehouse.Exec(ctx, rl.Tag, plan.Statements...)
	})
	if err != nil {
		return nil, fmt.Errorf("apply ddl to %s: %w", route.Table, err)
	}
	return plan, nil
}

func (c *Coordinator) lockFor(table string) *sync.Mutex {
	c.ddlMu.Lock()
	defer c.ddlMu.Unlock()
	mu, ok := c.tableMu[table]
	if !ok {
		mu = &sync.Mutex{}
		c.tableMu[table] = mu
	}
	return mu
}

func (c *Coordinator) writeRunLog(ctx context.Context, rl *runlog.RunLog, log *zap.SugaredLogger) error {
	var key string
	err := c.Retrier.Do(ctx, "runlog", func(ctx context.Context) error {
		var err error
		key, err = c.RunLogs.Write(ctx, rl)
		return err
	})
	if err != nil {
		log.Errorw("run log not written", "error", err)
		return err
	}
	log.Debugw("run log written", "key", key)

	if c.History != nil {
		if err := c.History.RecordRun(ctx, rl); err != nil {
			log.Warnw("run history not recorded", "error", err)
		}
	}
	return nil
}
