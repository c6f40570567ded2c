package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/logflow/tableflow/internal/logging"
	"github.com/logflow/tableflow/pkg/config"
	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/lifecycle"
	"github.com/logflow/tableflow/pkg/loader"
	"github.com/logflow/tableflow/pkg/pipeline"
	"github.com/logflow/tableflow/pkg/poller"
	"github.com/logflow/tableflow/pkg/resilience"
	"github.com/logflow/tableflow/pkg/runlog"
	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/state"
	"github.com/logflow/tableflow/pkg/storage/minio"
	"github.com/logflow/tableflow/pkg/storage/object"
	"github.com/logflow/tableflow/pkg/storage/s3"
	"github.com/logflow/tableflow/pkg/telemetry"
	"github.com/logflow/tableflow/pkg/tracker"
	"github.com/logflow/tableflow/pkg/warehouse"
	"github.com/logflow/tableflow/pkg/warehouse/duckdb"
	"github.com/logflow/tableflow/pkg/warehouse/postgres"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg *config.Config
	log *zap.SugaredLogger

	store     object.Store
	warehouse warehouse.Warehouse
	tracker   *tracker.Tracker
	history   *state.Store
	retrier   *resilience.Retrier
	coord     *pipeline.Coordinator
	router    *pipeline.Router

	closers []namedCloser
}

type namedCloser struct {
	name string
	c    lifecycle.Closer
}

// loadConfig layers files, env and the flags the user set.
func loadConfig() (*config.Config, error) {
	m := config.NewManager()
	if err := m.Load(configPath); err != nil {
		return nil, err
	}
	cfg := m.Get()
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logJSON {
		cfg.Log.Format = "json"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// openStore builds the configured object store.
func openStore(ctx context.Context, cfg config.SourceConfig) (object.Store, error) {
	switch cfg.Kind {
	case "local":
		if err := os.MkdirAll(cfg.Root, 0755); err != nil {
			return nil, lferrors.Wrapf(err, lferrors.CodeConfig, "create source root %s", cfg.Root)
		}
		return object.NewLocalStorage(cfg.Root)
	case "s3":
		sc := s3.DefaultConfig(cfg.Bucket, cfg.Region)
		sc.Endpoint = cfg.Endpoint
		sc.UsePathStyle = cfg.UsePathStyle
		sc.AccessKeyID = cfg.AccessKeyID
		sc.SecretAccessKey = cfg.SecretAccessKey
		return s3.NewClient(ctx, sc)
	case "minio":
		return minio.New(ctx, minio.Config{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Region:          cfg.Region,
			Bucket:          cfg.Bucket,
			UseSSL:          cfg.UseSSL,
			CreateBucket:    cfg.CreateBucket,
		})
	}
	return nil, lferrors.Newf(lferrors.CodeConfig, "unknown source kind %q", cfg.Kind)
}

func openWarehouse(ctx context.Context, cfg config.WarehouseConfig) (warehouse.Warehouse, error) {
	switch cfg.Kind {
	case "duckdb":
		return duckdb.Open(cfg.Path)
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	}
	return nil, lferrors.Newf(lferrors.CodeConfig, "unknown warehouse kind %q", cfg.Kind)
}

func openTrackerBackend(ctx context.Context, cfg config.TrackerConfig, store object.Store) (tracker.Backend, error) {
	switch cfg.Backend {
	case "object":
		v, ok := store.(object.Versioned)
		if !ok {
			return nil, lferrors.Newf(lferrors.CodeConfig, "%s store does not support conditional writes", store.Scheme())
		}
		return tracker.NewObjectBackend(v, cfg.Key), nil
	case "redis":
		rc := tracker.DefaultRedisConfig(cfg.RedisAddr)
		rc.Password = cfg.RedisPassword
		rc.Database = cfg.RedisDB
		return tracker.NewRedisBackend(ctx, rc)
	case "memory":
		return tracker.NewMemoryBackend(), nil
	}
	return nil, lferrors.Newf(lferrors.CodeConfig, "unknown tracker backend %q", cfg.Backend)
}

func routerFor(cfg config.TargetConfig) (*pipeline.Router, error) {
	routes := make([]pipeline.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, pipeline.Route{Prefix: r.Prefix, Table: r.Table, Key: r.Key})
	}
	r, err := pipeline.NewRouter(pipeline.Route{Table: cfg.Table, Key: cfg.Key}, routes...)
	if err != nil {
		return nil, lferrors.Wrap(err, lferrors.CodeConfig, "target routes")
	}
	return r, nil
}

func readOptions(cfg config.LoaderConfig) schema.ReadOptions {
	opts := schema.DefaultReadOptions()
	if cfg.Delimiter != "" {
		opts.Delimiter = []rune(cfg.Delimiter)[0]
	}
	if len(cfg.NullValues) > 0 {
		opts.NullValues = cfg.NullValues
	}
	return opts
}

func retryConfig(cfg config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:      uint64(cfg.MaxRetries),
		InitialInterval: cfg.InitialInterval.D(),
		MaxInterval:     cfg.MaxInterval.D(),
		CallTimeout:     cfg.CallTimeout.D(),
	}
}

// newApp wires every component a pipeline command needs. withWarehouse
// false skips the warehouse and coordinator for read-only commands.
func newApp(ctx context.Context, withWarehouse bool) (_ *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, lferrors.Wrap(err, lferrors.CodeConfig, "logger")
	}
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.onClose("logger", lifecycle.CloserFunc(func() error { _ = log.Sync(); return nil }))

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a.onClose("telemetry", lifecycle.CloserFunc(func() error {
		return shutdownTracing(context.WithoutCancel(ctx))
	}))

	if a.store, err = openStore(ctx, cfg.Source); err != nil {
		return nil, err
	}
	backend, err := openTrackerBackend(ctx, cfg.Tracker, a.store)
	if err != nil {
		return nil, err
	}
	if rb, ok := backend.(*tracker.RedisBackend); ok {
		a.onClose("redis", rb)
	}
	a.tracker = tracker.New(backend, tracker.Config{
		StaleClaimTimeout: cfg.Tracker.StaleClaimTimeout.D(),
		MaxAttempts:       cfg.Tracker.MaxAttempts,
	}, tracker.WithLogger(log))

	if cfg.RunLog.History {
		if a.history, err = state.NewStore(cfg.RunLog.HistoryDB); err != nil {
			return nil, err
		}
		a.onClose("history", a.history)
	}
	a.retrier = resilience.NewRetrier(retryConfig(cfg.Retry), log)
	if a.router, err = routerFor(cfg.Target); err != nil {
		return nil, err
	}

	if !withWarehouse {
		return a, nil
	}
	if a.warehouse, err = openWarehouse(ctx, cfg.Warehouse); err != nil {
		return nil, err
	}
	a.onClose("warehouse", a.warehouse)

	policy, err := loader.ParseRejectPolicy(cfg.Loader.Policy)
	if err != nil {
		return nil, lferrors.Wrap(err, lferrors.CodeConfig, "loader policy")
	}
	lcfg := loader.DefaultConfig()
	lcfg.Policy = policy
	lcfg.StagingPrefix = cfg.Loader.StagingPrefix
	lcfg.DropStaging = !cfg.Loader.KeepStaging
	lcfg.Read = readOptions(cfg.Loader)

	deps := pipeline.Deps{
		Store:     a.store,
		Warehouse: a.warehouse,
		Tracker:   a.tracker,
		Loader:    loader.New(a.store, a.warehouse, lcfg, log),
		RunLogs:   runlog.NewWriter(a.store, cfg.RunLog.Prefix),
		History:   a.history,
		Router:    a.router,
		Retrier:   a.retrier,
	}
	a.coord = pipeline.New(deps, pipeline.Config{
		RunTimeout:       cfg.Loader.RunTimeout.D(),
		Read:             lcfg.Read,
		Infer:            schema.InferOptions{SampleSize: cfg.Loader.SampleSize},
		StrictValidation: cfg.Loader.StrictValidation,
	}, log)
	return a, nil
}

func (a *app) onClose(name string, c lifecycle.Closer) {
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

// registerClosers hands every resource to m, in opening order.
func (a *app) registerClosers(m *lifecycle.ShutdownManager) {
	for _, nc := range a.closers {
		m.RegisterCloser(nc.name, nc.c)
	}
	a.closers = nil
}

// Close releases resources in reverse opening order.
func (a *app) Close() error {
	var errs lferrors.MultiError
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].c.Close(); err != nil {
			errs.Add(fmt.Errorf("close %s: %w", a.closers[i].name, err))
		}
	}
	a.closers = nil
	return errs.Combined()
}

// newPoller builds a poller over the app's coordinator.
func (a *app) newPoller() *poller.Poller {
	breaker := resilience.NewBreaker(a.cfg.Poller.BreakerThreshold, a.cfg.Poller.BreakerCooldown.D())
	breaker.OnTrip = func(failures int) {
		a.log.Errorw("warehouse or store unavailable, pausing cycles",
			"consecutive_failures", failures, "cooldown", a.cfg.Poller.BreakerCooldown.D())
	}
	return poller.New(a.store, a.tracker, a.coord, poller.Config{
		Prefix:      a.cfg.Source.Prefix,
		Interval:    a.cfg.Poller.Interval.D(),
		Concurrency: a.cfg.Poller.Concurrency,
		Filter:      a.cfg.SourceFilter(),
	}, a.log, poller.WithBreaker(breaker), poller.WithRetrier(a.retrier))
}
