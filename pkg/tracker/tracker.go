package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/storage/object"
)

// Config controls candidate selection.
type Config struct {
	// StaleClaimTimeout is how long a PROCESSING claim stays live.
	StaleClaimTimeout time.Duration
	// MaxAttempts caps automatic retries of retryable failures.
	MaxAttempts int
	// MaxConflictRetries bounds re-reads after a version conflict.
	MaxConflictRetries int
}

// DefaultConfig returns a 15 minute stale-claim timeout and 5 attempts.
func DefaultConfig() Config {
	return Config{
		StaleClaimTimeout:  15 * time.Minute,
		MaxAttempts:        5,
		MaxConflictRetries: 8,
	}
}

// Tracker owns the registry. Nothing else reads or writes it.
type Tracker struct {
	backend Backend
	cfg     Config
	now     func() time.Time
	log     *zap.SugaredLogger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(t *Tracker) { t.log = log }
}

// New creates a Tracker over backend.
func New(backend Backend, cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.StaleClaimTimeout <= 0 {
		cfg.StaleClaimTimeout = def.StaleClaimTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = def.MaxConflictRetries
	}
	t := &Tracker{backend: backend, cfg: cfg, now: time.Now, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Backend returns the registry backend.
func (t *Tracker) Backend() Backend { return t.backend }

// update applies fn to the latest registry and saves it, re-reading on
// version conflicts. fn returns false to skip the write.
func (t *Tracker) update(ctx context.Context, fn func(reg *Registry) (bool, error)) error {
	for attempt := 0; attempt <= t.cfg.MaxConflictRetries; attempt++ {
		reg, version, err := t.backend.Load(ctx)
		if err != nil {
			return err
		}
		write, err := fn(reg)
		if err != nil || !write {
			return err
		}
		reg.UpdatedAt = t.now().UTC()
		_, err = t.backend.Save(ctx, reg, version)
		if errors.Is(err, ErrVersionConflict) {
			t.log.Debugw("registry version conflict, retrying", "attempt", attempt+1)
			continue
		}
		return err
	}
	return lferrors.Newf(lferrors.CodeTrackerClaimConflict, "registry kept changing after %d attempts", t.cfg.MaxConflictRetries+1)
}

// ListCandidates diffs listing against the registry and returns the
// objects that need a run, sorted by path: unseen objects, content that
// differs from the last success, PENDING records, PROCESSING claims older
// than the stale-claim timeout, and retryable failures under the attempt
// cap. Unseen and changed objects are recorded as PENDING.
func (t *Tracker) ListCandidates(ctx context.Context, listing []object.ObjectInfo) ([]Record, error) {
	var out []Record
	err := t.update(ctx, func(reg *Registry) (bool, error) {
		out = out[:0]
		now := t.now().UTC()
		dirty := false

		for _, obj := range listing {
			r, ok := reg.Objects[obj.Path]
			if !ok {
				r = &Record{Path: obj.Path, FirstSeen: now}
				r.resetContent(obj.Fingerprint, obj.Size)
				reg.Objects[obj.Path] = r
				dirty = true
				out = append(out, *r)
				continue
			}
			if t.candidate(r, obj, now, &dirty) {
				out = append(out, *r)
			}
		}
		return dirty, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (t *Tracker) candidate(r *Record, obj object.ObjectInfo, now time.Time, dirty *bool) bool {
	switch r.Status {
	case StatusPending:
		if !r.sameContent(obj.Fingerprint, obj.Size) {
			r.resetContent(obj.Fingerprint, obj.Size)
			*dirty = true
		}
		return true

	case StatusSucceeded:
		if r.succeededWith(obj.Fingerprint, obj.Size) {
			return false
		}
		r.resetContent(obj.Fingerprint, obj.Size)
		*dirty = true
		return true

	case StatusFailed:
		if !r.sameContent(obj.Fingerprint, obj.Size) {
			r.resetContent(obj.Fingerprint, obj.Size)
			*dirty = true
			return true
		}
		return r.Retryable && r.Attempts < t.cfg.MaxAttempts

	case StatusProcessing:
		return t.stale(r, now)
	}
	return false
}

func (t *Tracker) stale(r *Record, now time.Time) bool {
	return r.ClaimedAt == nil || now.Sub(*r.ClaimedAt) > t.cfg.StaleClaimTimeout
}

// Claim is a live reservation of one object's content.
type Claim struct {
	Path        string    `json:"path"`
	Fingerprint string    `json:"fingerprint"`
	Size        int64     `json:"size"`
	Token       string    `json:"token"`
	Attempt     int       `json:"attempt"`
	ClaimedAt   time.Time `json:"claimed_at"`
	// Reclaimed is set when the claim replaced a stale one.
	Reclaimed bool `json:"reclaimed,omitempty"`
}

// Claim moves rec to PROCESSING. It returns false when another actor holds
// a live claim, the content already succeeded, or a failure is not
// retryable. A registry that keeps changing underneath the claim yields a
// TrackerClaimConflict error; callers skip the object for this cycle.
func (t *Tracker) Claim(ctx context.Context, rec Record) (*Claim, bool, error) {
	var claim *Claim
	err := t.update(ctx, func(reg *Registry) (bool, error) {
		claim = nil
		now := t.now().UTC()

		r, ok := reg.Objects[rec.Path]
		if !ok {
			r = &Record{Path: rec.Path, FirstSeen: now}
			r.resetContent(rec.Fingerprint, rec.Size)
			reg.Objects[rec.Path] = r
		}

		reclaimed := false
		switch r.Status {
		case StatusProcessing:
			if !t.stale(r, now) {
				return false, nil
			}
			reclaimed = true
		case StatusSucceeded:
			if r.succeededWith(rec.Fingerprint, rec.Size) {
				return false, nil
			}
		case StatusFailed:
			if r.sameContent(rec.Fingerprint, rec.Size) && (!r.Retryable || r.Attempts >= t.cfg.MaxAttempts) {
				return false, nil
			}
		}

		if !r.sameContent(rec.Fingerprint, rec.Size) {
			r.resetContent(rec.Fingerprint, rec.Size)
		}
		r.Status = StatusProcessing
		r.ClaimedAt = &now
		r.CompletedAt = nil
		r.ClaimToken = uuid.NewString()
		r.Attempts++

		claim = &Claim{
			Path:        r.Path,
			Fingerprint: r.Fingerprint,
			Size:        r.Size,
			Token:       r.ClaimToken,
			Attempt:     r.Attempts,
			ClaimedAt:   now,
			Reclaimed:   reclaimed,
		}
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	if claim != nil && claim.Reclaimed {
		t.log.Warnw("reclaimed stale claim", "object", claim.Path, "attempt", claim.Attempt)
	}
	return claim, claim != nil, nil
}

// Outcome is the result reported to Complete.
type Outcome struct {
	RunID     string
	Err       error
	Retryable bool
}

// Complete moves a claimed record to SUCCEEDED (Err nil) or FAILED. It
// fails with TrackerClaimConflict if the claim was reclaimed meanwhile.
func (t *Tracker) Complete(ctx context.Context, c *Claim, out Outcome) error {
	return t.update(ctx, func(reg *Registry) (bool, error) {
		r, ok := reg.Objects[c.Path]
		if !ok || r.Status != StatusProcessing || r.ClaimToken != c.Token {
			return false, lferrors.Newf(lferrors.CodeTrackerClaimConflict, "claim on %s was lost", c.Path).
				WithContext("attempt", c.Attempt)
		}

		now := t.now().UTC()
		r.CompletedAt = &now
		r.ClaimToken = ""
		r.LastRunID = out.RunID
		if out.Err == nil {
			r.Status = StatusSucceeded
			r.LastError = ""
			r.Retryable = false
			r.SucceededFingerprint = c.Fingerprint
			r.SucceededSize = c.Size
		} else {
			r.Status = StatusFailed
			r.LastError = summarize(out.Err)
			r.Retryable = out.Retryable
		}
		return true, nil
	})
}

// Snapshot returns all records sorted by path.
func (t *Tracker) Snapshot(ctx context.Context) ([]Record, error) {
	reg, _, err := t.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(reg.Objects))
	for _, r := range reg.Objects {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Reset returns a FAILED record to PENDING so the next cycle retries it
// regardless of attempt count.
func (t *Tracker) Reset(ctx context.Context, path string) error {
	return t.update(ctx, func(reg *Registry) (bool, error) {
		r, ok := reg.Objects[path]
		if !ok {
			return false, fmt.Errorf("no ingestion record for %s", path)
		}
		if r.Status != StatusFailed {
			return false, fmt.Errorf("%s is %s, only FAILED records can be reset", path, r.Status)
		}
		r.resetContent(r.Fingerprint, r.Size)
		return true, nil
	})
}

const maxErrorSummary = 500

func summarize(err error) string {
	s := err.Error()
	if len(s) > maxErrorSummary {
		s = s[:maxErrorSummary] + "..."
	}
	return s
}
