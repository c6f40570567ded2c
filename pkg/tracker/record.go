// Package tracker persists per-object ingestion state and decides which
// source objects need a pipeline run. All state lives in one registry
// document that is only ever written with a version check.
package tracker

import (
	"time"
)

// Status is an ingestion record's lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// Record is the ingestion state of one object path. Its identity is
// (Path, Fingerprint, Size); a new fingerprint at the same path is new
// content and is ingested again.
type Record struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`

	Status      Status     `json:"status"`
	FirstSeen   time.Time  `json:"first_seen"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	// Retryable marks a FAILED record whose failure may clear on its own.
	Retryable bool `json:"retryable,omitempty"`
	// Attempts counts claims of the current content.
	Attempts   int    `json:"attempts"`
	ClaimToken string `json:"claim_token,omitempty"`
	LastRunID  string `json:"last_run_id,omitempty"`

	SucceededFingerprint string `json:"succeeded_fingerprint,omitempty"`
	SucceededSize        int64  `json:"succeeded_size,omitempty"`
}

// sameContent reports whether fingerprint and size identify the content
// this record currently tracks.
func (r *Record) sameContent(fingerprint string, size int64) bool {
	return r.Fingerprint == fingerprint && r.Size == size
}

// succeededWith reports whether this exact content was already ingested.
func (r *Record) succeededWith(fingerprint string, size int64) bool {
	return r.SucceededFingerprint != "" && r.SucceededFingerprint == fingerprint && r.SucceededSize == size
}

// resetContent points the record at new content.
func (r *Record) resetContent(fingerprint string, size int64) {
	r.Fingerprint = fingerprint
	r.Size = size
	r.Status = StatusPending
	r.Attempts = 0
	r.LastError = ""
	r.Retryable = false
}

// Registry is the persisted document.
type Registry struct {
	UpdatedAt time.Time          `json:"updated_at"`
	Objects   map[string]*Record `json:"objects"`
}

func newRegistry() *Registry {
	return &Registry{Objects: make(map[string]*Record)}
}
