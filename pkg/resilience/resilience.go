// Package resilience provides retry and circuit-breaking for calls to the
// object store and warehouse.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	lferrors "github.com/logflow/tableflow/pkg/errors"
)

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// CallTimeout bounds each attempt. Zero means no per-attempt timeout.
	CallTimeout time.Duration
}

// DefaultRetryConfig retries three times starting at 200ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		CallTimeout:     2 * time.Minute,
	}
}

// Retrier re-runs operations that fail with a retryable error.
type Retrier struct {
	cfg RetryConfig
	log *zap.SugaredLogger
}

// NewRetrier returns a Retrier. log may be nil.
func NewRetrier(cfg RetryConfig, log *zap.SugaredLogger) *Retrier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Retrier{cfg: cfg, log: log}
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// retry budget runs out, or ctx ends. The last error is returned as is.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(eb, r.cfg.MaxRetries)
	b = backoff.WithContext(b, ctx)

	attempt := func() error {
		callCtx := ctx
		if r.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
			defer cancel()
		}
		err := op(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !lferrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warnw("retrying after transient failure", "op", name, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(attempt, b, notify)
}

// BreakerState is a circuit breaker's state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerOpen                         // Rejecting calls
	BreakerHalfOpen                     // Letting one trial call through
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive failures and rejects calls
// until the cooldown passes. The poller uses it to stop hammering an
// unavailable warehouse.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    BreakerState
	failures int
	tripTime time.Time

	// OnTrip runs synchronously when the breaker opens.
	OnTrip func(failures int)
}

// NewBreaker trips after threshold consecutive failures.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// WithClock overrides time.Now.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.tripTime) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// Record reports a call's outcome. Only retryable failures count against
// the breaker; a bad file says nothing about the warehouse.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !lferrors.IsRetryable(err) {
		if err == nil || b.state == BreakerHalfOpen {
			b.state = BreakerClosed
			b.failures = 0
		}
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		if b.state != BreakerOpen && b.OnTrip != nil {
			b.OnTrip(b.failures)
		}
		b.state = BreakerOpen
		b.tripTime = b.now()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
