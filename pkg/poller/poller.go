// Package poller is the scheduled trigger: each cycle lists the source
// prefix, asks the tracker for candidates and hands them to a bounded pool
// of pipeline runs.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/resilience"
	"github.com/logflow/tableflow/pkg/runlog"
	"github.com/logflow/tableflow/pkg/storage/object"
	"github.com/logflow/tableflow/pkg/telemetry"
	"github.com/logflow/tableflow/pkg/tracker"
)

// Clock is the time source the poller waits on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Processor runs one candidate to a terminal status.
type Processor interface {
	Process(ctx context.Context, rec tracker.Record) (*runlog.RunLog, error)
}

// Config controls the poller.
type Config struct {
	Prefix      string
	Interval    time.Duration
	Concurrency int
	Filter      object.Filter
}

// DefaultConfig polls every minute with one run at a time.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Concurrency: 1,
		Filter:      object.DefaultFilter(),
	}
}

// CycleReport summarises one poll cycle.
type CycleReport struct {
	StartedAt  time.Time
	Listed     int
	Candidates int
	Processed  int
	Succeeded  int
	Failed     int
	Skipped    int
	// Tripped is set when the breaker refused the cycle.
	Tripped bool
}

// Poller drives cycles.
type Poller struct {
	store     object.Store
	tracker   *tracker.Tracker
	processor Processor
	retrier   *resilience.Retrier
	breaker   *resilience.Breaker
	clock     Clock
	cfg       Config
	log       *zap.SugaredLogger

	wake chan struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(p *Poller) { p.clock = c } }

// WithBreaker makes cycles skip while b is open.
func WithBreaker(b *resilience.Breaker) Option { return func(p *Poller) { p.breaker = b } }

// WithRetrier sets the retrier used for listing.
func WithRetrier(r *resilience.Retrier) Option { return func(p *Poller) { p.retrier = r } }

// New creates a Poller.
func New(store object.Store, t *tracker.Tracker, proc Processor, cfg Config, log *zap.SugaredLogger, opts ...Option) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if len(cfg.Filter.Suffixes) == 0 && len(cfg.Filter.ExcludePrefixes) == 0 {
		cfg.Filter = def.Filter
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &Poller{
		store:     store,
		tracker:   t,
		processor: proc,
		clock:     RealClock,
		cfg:       cfg,
		log:       log,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.retrier == nil {
		p.retrier = resilience.NewRetrier(resilience.DefaultRetryConfig(), log)
	}
	return p
}

// Wake starts the next cycle early. It never blocks.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// RunOnce runs a single cycle. Per-object failures are counted, not
// returned: the error is non-nil only when listing or candidate selection
// failed.
func (p *Poller) RunOnce(ctx context.Context) (CycleReport, error) {
	rep := CycleReport{StartedAt: p.clock.Now()}
	if p.breaker != nil && !p.breaker.Allow() {
		rep.Tripped = true
		p.log.Warnw("breaker open, skipping cycle", "state", p.breaker.State().String())
		return rep, nil
	}

	ctx, span := telemetry.Start(ctx, "poller.cycle", attribute.String("prefix", p.cfg.Prefix))
	var err error
	defer func() { telemetry.End(span, err) }()

	var listing []object.ObjectInfo
	err = p.retrier.Do(ctx, "list "+p.cfg.Prefix, func(ctx context.Context) error {
		var lerr error
		listing, lerr = p.store.List(ctx, p.cfg.Prefix)
		if lerr != nil && !lferrors.IsRetryable(lerr) && !errors.Is(lerr, context.Canceled) {
			lerr = lferrors.Transient(lerr, "list source")
		}
		return lerr
	})
	if err != nil {
		p.record(err)
		return rep, err
	}
	listing = p.cfg.Filter.Apply(listing)
	rep.Listed = len(listing)

	candidates, err := p.tracker.ListCandidates(ctx, listing)
	if err != nil {
		p.record(err)
		return rep, err
	}
	rep.Candidates = len(candidates)
	telemetry.SetAttributes(ctx, attribute.Int("listed", rep.Listed), attribute.Int("candidates", rep.Candidates))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)
	for _, rec := range candidates {
		if ctx.Err() != nil {
			break
		}
		rec := rec
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			rl, perr := p.processor.Process(ctx, rec)
			p.record(perr)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case rl == nil && perr == nil:
				rep.Skipped++
			case perr != nil:
				rep.Processed++
				rep.Failed++
				p.log.Warnw("run failed", "object", rec.Path, "code", lferrors.GetCode(perr), "error", perr)
			default:
				rep.Processed++
				rep.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	p.log.Infow("poll cycle complete",
		"prefix", p.cfg.Prefix,
		"listed", rep.Listed,
		"candidates", rep.Candidates,
		"succeeded", rep.Succeeded,
		"failed", rep.Failed,
		"skipped", rep.Skipped,
	)
	return rep, nil
}

func (p *Poller) record(err error) {
	if p.breaker != nil {
		p.breaker.Record(err)
	}
}

// Run cycles until ctx is cancelled, waiting Interval or a Wake between
// cycles. In-flight runs finish their current phase before Run returns.
// onCycle, if non-nil, sees every report.
func (p *Poller) Run(ctx context.Context, onCycle func(CycleReport, error)) error {
	p.log.Infow("poller started", "prefix", p.cfg.Prefix, "interval", p.cfg.Interval, "concurrency", p.cfg.Concurrency)
	for {
		rep, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Errorw("poll cycle failed", "error", err)
		}
		if onCycle != nil {
			onCycle(rep, err)
		}

		select {
		case <-ctx.Done():
			p.log.Infow("poller stopped")
			return ctx.Err()
		case <-p.clock.After(p.cfg.Interval):
		case <-p.wake:
			p.log.Debugw("poller woken early")
		}
	}
}
