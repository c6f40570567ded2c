// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < --config < env < flags
package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/storage/object"
	"github.com/logflow/tableflow/pkg/telemetry"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "TABLEFLOW_"

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

// Config holds all tableflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Source    SourceConfig     `yaml:"source"`
	Warehouse WarehouseConfig  `yaml:"warehouse"`
	Target    TargetConfig     `yaml:"target"`
	Tracker   TrackerConfig    `yaml:"tracker"`
	Loader    LoaderConfig     `yaml:"loader"`
	RunLog    RunLogConfig     `yaml:"runlog"`
	Poller    PollerConfig     `yaml:"poller"`
	Retry     RetryConfig      `yaml:"retry"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       LogConfig        `yaml:"log"`
}

// SourceConfig selects the object store holding source files and all
// bookkeeping objects.
type SourceConfig struct {
	Kind   string `yaml:"kind"` // local | s3 | minio
	Root   string `yaml:"root"` // local directory
	Prefix string `yaml:"prefix"`

	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	UseSSL          bool   `yaml:"use_ssl"`
	CreateBucket    bool   `yaml:"create_bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	Suffixes        []string `yaml:"suffixes"`
	ExcludePrefixes []string `yaml:"exclude_prefixes"`
}

// WarehouseConfig selects the warehouse.
type WarehouseConfig struct {
	Kind string `yaml:"kind"` // duckdb | postgres
	Path string `yaml:"path"` // duckdb file, empty for in-memory
	DSN  string `yaml:"dsn"`
}

// RouteConfig sends objects under Prefix to Table keyed on Key.
type RouteConfig struct {
	Prefix string   `yaml:"prefix"`
	Table  string   `yaml:"table"`
	Key    []string `yaml:"key"`
}

// TargetConfig is the default target plus per-prefix routes.
type TargetConfig struct {
	Table  string        `yaml:"table"`
	Key    []string      `yaml:"key"`
	Routes []RouteConfig `yaml:"routes"`
}

// TrackerConfig selects the ingestion registry backend.
type TrackerConfig struct {
	Backend           string   `yaml:"backend"` // object | redis | memory
	Key               string   `yaml:"key"`
	RedisAddr         string   `yaml:"redis_addr"`
	RedisPassword     string   `yaml:"redis_password"`
	RedisDB           int      `yaml:"redis_db"`
	StaleClaimTimeout Duration `yaml:"stale_claim_timeout"`
	MaxAttempts       int      `yaml:"max_attempts"`
}

// LoaderConfig controls parsing, inference and loading.
type LoaderConfig struct {
	Policy           string   `yaml:"policy"` // strict | lenient | quarantine
	StagingPrefix    string   `yaml:"staging_prefix"`
	KeepStaging      bool     `yaml:"keep_staging"`
	Delimiter        string   `yaml:"delimiter"`
	NullValues       []string `yaml:"null_values"`
	SampleSize       int      `yaml:"sample_size"`
	RunTimeout       Duration `yaml:"run_timeout"`
	StrictValidation bool     `yaml:"strict_validation"`
}

// RunLogConfig controls run logs and the local run history.
type RunLogConfig struct {
	Prefix    string `yaml:"prefix"`
	History   bool   `yaml:"history"`
	HistoryDB string `yaml:"history_db"`
}

// PollerConfig controls the scheduled trigger.
type PollerConfig struct {
	Interval         Duration `yaml:"interval"`
	Concurrency      int      `yaml:"concurrency"`
	BreakerThreshold int      `yaml:"breaker_threshold"`
	BreakerCooldown  Duration `yaml:"breaker_cooldown"`
	DrainTimeout     Duration `yaml:"drain_timeout"`
	WatchDir         bool     `yaml:"watch_dir"`
	Debounce         Duration `yaml:"debounce"`
}

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	MaxRetries      int      `yaml:"max_retries"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	CallTimeout     Duration `yaml:"call_timeout"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".tableflow")

	return &Config{
		Version: 1,
		Source: SourceConfig{
			Kind:            "local",
			Root:            filepath.Join(dataDir, "bucket"),
			Region:          "us-east-1",
			Suffixes:        []string{".csv"},
			ExcludePrefixes: []string{"metadata/", "logs/", "staging/"},
		},
		Warehouse: WarehouseConfig{
			Kind: "duckdb",
			Path: filepath.Join(dataDir, "warehouse.duckdb"),
		},
		Target: TargetConfig{
			Table: "parent_events",
			Key:   []string{"id"},
		},
		Tracker: TrackerConfig{
			Backend:           "object",
			Key:               "metadata/ingestion_registry.json",
			StaleClaimTimeout: Duration(15 * time.Minute),
			MaxAttempts:       5,
		},
		Loader: LoaderConfig{
			Policy:        "strict",
			StagingPrefix: "staging/",
			Delimiter:     ",",
			RunTimeout:    Duration(30 * time.Minute),
		},
		RunLog: RunLogConfig{
			Prefix:    "logs",
			History:   true,
			HistoryDB: filepath.Join(dataDir, "history.duckdb"),
		},
		Poller: PollerConfig{
			Interval:         Duration(time.Minute),
			Concurrency:      1,
			BreakerThreshold: 5,
			BreakerCooldown:  Duration(30 * time.Second),
			DrainTimeout:     Duration(5 * time.Minute),
			Debounce:         Duration(500 * time.Millisecond),
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: Duration(200 * time.Millisecond),
			MaxInterval:     Duration(5 * time.Second),
			CallTimeout:     Duration(2 * time.Minute),
		},
		Telemetry: telemetry.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// bookkeepingPrefixes are the key prefixes tableflow itself writes to:
// staged copies and quarantine files, run logs, and the registry.
func (c *Config) bookkeepingPrefixes() []string {
	staging := c.Loader.StagingPrefix
	if staging == "" {
		staging = "staging/"
	}
	logs := strings.TrimSuffix(c.RunLog.Prefix, "/")
	if logs == "" {
		logs = "logs"
	}
	out := []string{withSlash(staging), logs + "/"}
	if c.Tracker.Backend == "object" {
		if dir := path.Dir(c.Tracker.Key); dir != "." && dir != "/" {
			out = append(out, withSlash(dir))
		}
	}
	return out
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// SourceFilter selects ingestion sources. The configured exclusions are
// always extended with the bookkeeping prefixes so staged copies never
// come back as candidates.
func (c *Config) SourceFilter() object.Filter {
	excl := append([]string(nil), c.Source.ExcludePrefixes...)
	seen := make(map[string]bool, len(excl))
	for _, p := range excl {
		seen[p] = true
	}
	for _, p := range c.bookkeepingPrefixes() {
		if !seen[p] {
			seen[p] = true
			excl = append(excl, p)
		}
	}
	return object.Filter{Suffixes: c.Source.Suffixes, ExcludePrefixes: excl}
}

// Validate reports configuration problems no run could recover from.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Source.Kind {
	case "local":
		if c.Source.Root == "" {
			add("source.root is required for a local source")
		}
	case "s3", "minio":
		if c.Source.Bucket == "" {
			add("source.bucket is required for a %s source", c.Source.Kind)
		}
		if c.Source.Kind == "minio" && c.Source.Endpoint == "" {
			add("source.endpoint is required for a minio source")
		}
	default:
		add("source.kind %q is not one of local, s3, minio", c.Source.Kind)
	}

	switch c.Warehouse.Kind {
	case "duckdb":
	case "postgres":
		if c.Warehouse.DSN == "" {
			add("warehouse.dsn is required for postgres")
		}
	default:
		add("warehouse.kind %q is not one of duckdb, postgres", c.Warehouse.Kind)
	}

	if c.Target.Table == "" || len(c.Target.Key) == 0 {
		add("target.table and target.key are required")
	}
	for i, r := range c.Target.Routes {
		if r.Prefix == "" || r.Table == "" {
			add("target.routes[%d] needs prefix and table", i)
		}
	}

	switch c.Tracker.Backend {
	case "object":
		if c.Source.Kind == "minio" {
			add("tracker.backend object needs conditional writes, which the minio source lacks; use redis or an s3 source with the minio endpoint")
		}
	case "redis":
		if c.Tracker.RedisAddr == "" {
			add("tracker.redis_addr is required for the redis backend")
		}
	case "memory":
	default:
		add("tracker.backend %q is not one of object, redis, memory", c.Tracker.Backend)
	}
	if c.Tracker.MaxAttempts <= 0 {
		add("tracker.max_attempts must be positive")
	}

	switch strings.ToLower(c.Loader.Policy) {
	case "", "strict", "lenient", "skip", "quarantine":
	default:
		add("loader.policy %q is not one of strict, lenient, quarantine", c.Loader.Policy)
	}
	if len([]rune(c.Loader.Delimiter)) > 1 {
		add("loader.delimiter must be a single character")
	}
	if src := c.Source.Prefix; src != "" {
		for _, p := range c.bookkeepingPrefixes() {
			if strings.HasPrefix(withSlash(src), p) {
				add("source.prefix %q lies under bookkeeping prefix %q; no object would be ingested", src, p)
			}
		}
	}
	if c.Poller.Concurrency <= 0 {
		add("poller.concurrency must be positive")
	}
	if c.Poller.Interval <= 0 {
		add("poller.interval must be positive")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		add("log.format %q is not one of json, console", c.Log.Format)
	}

	if len(problems) > 0 {
		return lferrors.Newf(lferrors.CodeConfig, "invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
	lookup func(string) (string, bool)
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
		lookup: os.LookupEnv,
	}
}

// Load loads configuration from all sources in priority order. explicit,
// if set, is the --config file and must exist.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.getConfigPaths() {
		if err := m.loadFile(path); err != nil {
			if !os.IsNotExist(err) {
				return lferrors.Wrapf(err, lferrors.CodeConfig, "load %s", path)
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}
	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			return lferrors.Wrapf(err, lferrors.CodeConfig, "load %s", explicit)
		}
		m.paths = append(m.paths, explicit)
	}

	return m.loadEnv()
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/tableflow/config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".tableflow", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "tableflow.yaml"))
	}
	return paths
}

// loadFile decodes path over the current config. Keys absent from the file
// keep their current values.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, m.config)
}

// loadEnv applies TABLEFLOW_* overrides.
func (m *Manager) loadEnv() error {
	c := m.config
	str := map[string]*string{
		"SOURCE_KIND":            &c.Source.Kind,
		"SOURCE_ROOT":            &c.Source.Root,
		"SOURCE_PREFIX":          &c.Source.Prefix,
		"SOURCE_BUCKET":          &c.Source.Bucket,
		"SOURCE_REGION":          &c.Source.Region,
		"SOURCE_ENDPOINT":        &c.Source.Endpoint,
		"SOURCE_ACCESS_KEY_ID":   &c.Source.AccessKeyID,
		"SOURCE_SECRET_KEY":      &c.Source.SecretAccessKey,
		"WAREHOUSE_KIND":         &c.Warehouse.Kind,
		"WAREHOUSE_PATH":         &c.Warehouse.Path,
		"WAREHOUSE_DSN":          &c.Warehouse.DSN,
		"TARGET_TABLE":           &c.Target.Table,
		"TRACKER_BACKEND":        &c.Tracker.Backend,
		"TRACKER_REDIS_ADDR":     &c.Tracker.RedisAddr,
		"TRACKER_REDIS_PASSWORD": &c.Tracker.RedisPassword,
		"LOADER_POLICY":          &c.Loader.Policy,
		"RUNLOG_PREFIX":          &c.RunLog.Prefix,
		"OTEL_ENDPOINT":          &c.Telemetry.Endpoint,
		"LOG_LEVEL":              &c.Log.Level,
		"LOG_FORMAT":             &c.Log.Format,
	}
	for name, dst := range str {
		if v, ok := m.lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := m.lookup(EnvPrefix + "TARGET_KEY"); ok && v != "" {
		c.Target.Key = splitList(v)
	}
	if v, ok := m.lookup(EnvPrefix + "POLLER_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return lferrors.Newf(lferrors.CodeConfig, "%sPOLLER_CONCURRENCY: %q is not an integer", EnvPrefix, v)
		}
		c.Poller.Concurrency = n
	}
	if v, ok := m.lookup(EnvPrefix + "POLLER_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return lferrors.Newf(lferrors.CodeConfig, "%sPOLLER_INTERVAL: %q is not a duration", EnvPrefix, v)
		}
		c.Poller.Interval = Duration(d)
	}
	if v, ok := m.lookup(EnvPrefix + "OTEL_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return lferrors.Newf(lferrors.CodeConfig, "%sOTEL_ENABLED: %q is not a boolean", EnvPrefix, v)
		}
		c.Telemetry.Enabled = b
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to path.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
