// Package runlog records one write-once audit document per pipeline run.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/logflow/tableflow/pkg/loader"
	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/storage/object"
	"github.com/logflow/tableflow/pkg/validation"
)

// Phase is the furthest point a run reached.
type Phase string

const (
	PhaseClaimed        Phase = "CLAIMED"
	PhaseSchemaInferred Phase = "SCHEMA_INFERRED"
	PhaseDDLApplied     Phase = "DDL_APPLIED"
	PhaseStaged         Phase = "STAGED"
	PhaseMerged         Phase = "MERGED"
	PhaseRecorded       Phase = "RECORDED"
)

// Status is a run's terminal status.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Counts are the row counts of one run. A successful run satisfies
// Staged == Inserted + Updated + Unchanged + Rejected.
type Counts struct {
	Staged    int64 `json:"staged"`
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Unchanged int64 `json:"unchanged"`
	Rejected  int64 `json:"rejected"`
}

// FromResult copies the counts of a loader result.
func FromResult(r *loader.Result) Counts {
	if r == nil {
		return Counts{}
	}
	return Counts{
		Staged:    r.Staged,
		Inserted:  r.Inserted,
		Updated:   r.Updated,
		Unchanged: r.Unchanged,
		Rejected:  r.Rejected,
	}
}

// ObjectRef identifies the ingested content.
type ObjectRef struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
}

// ErrorDetail describes a failed run.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// RunLog is the audit record of one run.
type RunLog struct {
	RunID      string             `json:"run_id"`
	Object     ObjectRef          `json:"object"`
	Table      string             `json:"table"`
	MergeKey   []string           `json:"merge_key"`
	Tag        string             `json:"statement_tag"`
	Attempt    int                `json:"attempt"`
	Schema     []schema.Column    `json:"schema,omitempty"`
	SchemaHash string             `json:"schema_fingerprint,omitempty"`
	DDL        []string           `json:"ddl,omitempty"`
	Counts     Counts             `json:"counts"`
	Rejections []loader.Rejection `json:"rejections,omitempty"`
	Quarantine string             `json:"quarantine,omitempty"`
	Validation *validation.Report `json:"validation,omitempty"`
	Phase      Phase              `json:"phase"`
	Status     Status             `json:"status"`
	Error      *ErrorDetail       `json:"error,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	DurationMS int64              `json:"duration_ms"`
}

// NewRunID returns a fresh run id.
func NewRunID() string {
	return uuid.NewString()
}

// Finish stamps the terminal status and duration.
func (l *RunLog) Finish(status Status, at time.Time) {
	l.Status = status
	l.FinishedAt = at.UTC()
	l.DurationMS = at.Sub(l.StartedAt).Milliseconds()
}

// Key is the object key the log is stored under.
func (l *RunLog) Key(prefix string) string {
	name := fmt.Sprintf("run_%s_%s.json", l.StartedAt.UTC().Format("20060102T150405Z"), l.RunID)
	return path.Join(prefix, name)
}

// DefaultPrefix is where run logs are written in the object store.
const DefaultPrefix = "logs"

// Writer persists run logs to an object store.
type Writer struct {
	store  object.Store
	prefix string
}

// NewWriter writes under prefix (DefaultPrefix when empty).
func NewWriter(store object.Store, prefix string) *Writer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Writer{store: store, prefix: prefix}
}

// Write stores l and returns its key.
func (w *Writer) Write(ctx context.Context, l *RunLog) (string, error) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode run log: %w", err)
	}
	key := l.Key(w.prefix)
	if err := w.store.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("write run log %s: %w", key, err)
	}
	return key, nil
}

// Read loads a run log by key.
func (w *Writer) Read(ctx context.Context, key string) (*RunLog, error) {
	data, err := w.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var l RunLog
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode run log %s: %w", key, err)
	}
	return &l, nil
}
