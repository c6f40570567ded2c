package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/resilience"
	"github.com/logflow/tableflow/pkg/runlog"
	"github.com/logflow/tableflow/pkg/storage/object"
	"github.com/logflow/tableflow/pkg/tracker"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	ticks chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ticks: make(chan time.Time)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(time.Duration) <-chan time.Time { return c.ticks }

// fakeProcessor claims and completes records against a real tracker, failing
// the paths listed in fail.
type fakeProcessor struct {
	t    *tracker.Tracker
	fail map[string]error

	mu       sync.Mutex
	seen     []string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *fakeProcessor) Process(ctx context.Context, rec tracker.Record) (*runlog.RunLog, error) {
	claim, ok, err := f.t.Claim(ctx, rec)
	if err != nil || !ok {
		return nil, err
	}
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.seen = append(f.seen, rec.Path)
	f.mu.Unlock()

	runErr := f.fail[rec.Path]
	out := tracker.Outcome{RunID: "run-" + rec.Path, Err: runErr, Retryable: lferrors.IsRetryable(runErr)}
	if err := f.t.Complete(ctx, claim, out); err != nil {
		return nil, err
	}
	return &runlog.RunLog{RunID: out.RunID}, runErr
}

func seed(t *testing.T, paths ...string) *object.MemoryStorage {
	t.Helper()
	store := object.NewMemoryStorage()
	for _, p := range paths {
		if err := store.Put(context.Background(), p, []byte("id\n1\n")); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func fastRetrier() *resilience.Retrier {
	return resilience.NewRetrier(resilience.RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	store := seed(t,
		"incoming/a.csv",
		"incoming/b.csv",
		"incoming/c.csv",
		"incoming/readme.txt",
		"logs/run_x.json",
	)
	tr := tracker.New(tracker.NewMemoryBackend(), tracker.DefaultConfig())
	proc := &fakeProcessor{t: tr, fail: map[string]error{
		"incoming/b.csv": lferrors.SchemaConflict("parent_events", "column %q removed", "name"),
	}}
	p := New(store, tr, proc, Config{Concurrency: 2}, nil, WithRetrier(fastRetrier()))

	rep, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if rep.Listed != 3 || rep.Candidates != 3 {
		t.Errorf("listed/candidates = %d/%d, want 3/3", rep.Listed, rep.Candidates)
	}
	if rep.Succeeded != 2 || rep.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 2/1", rep.Succeeded, rep.Failed)
	}

	rep, err = p.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Candidates != 0 {
		t.Errorf("second cycle candidates = %d, want 0", rep.Candidates)
	}
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	paths := []string{"a.csv", "b.csv", "c.csv", "d.csv", "e.csv", "f.csv"}
	store := seed(t, paths...)
	tr := tracker.New(tracker.NewMemoryBackend(), tracker.DefaultConfig())
	proc := &fakeProcessor{t: tr, delay: 10 * time.Millisecond}
	p := New(store, tr, proc, Config{Concurrency: 2}, nil, WithRetrier(fastRetrier()))

	rep, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Succeeded != len(paths) {
		t.Errorf("succeeded = %d, want %d", rep.Succeeded, len(paths))
	}
	if got := proc.maxSeen.Load(); got > 2 {
		t.Errorf("max concurrent runs = %d, want <= 2", got)
	}
}

type failingStore struct {
	*object.MemoryStorage
	calls atomic.Int32
}

func (s *failingStore) List(ctx context.Context, prefix string) ([]object.ObjectInfo, error) {
	s.calls.Add(1)
	return nil, errors.New("connection refused")
}

func TestRunOnceBreaker(t *testing.T) {
	store := &failingStore{MemoryStorage: object.NewMemoryStorage()}
	tr := tracker.New(tracker.NewMemoryBackend(), tracker.DefaultConfig())
	clock := newFakeClock()
	breaker := resilience.NewBreaker(1, time.Minute).WithClock(clock.Now)
	p := New(store, tr, &fakeProcessor{t: tr}, Config{}, nil,
		WithRetrier(fastRetrier()), WithBreaker(breaker), WithClock(clock))

	_, err := p.RunOnce(context.Background())
	if !lferrors.IsCode(err, lferrors.CodeTransientIO) {
		t.Fatalf("RunOnce() error = %v, want TransientIO", err)
	}
	if breaker.State() != resilience.BreakerOpen {
		t.Fatalf("breaker = %v, want open", breaker.State())
	}

	calls := store.calls.Load()
	rep, err := p.RunOnce(context.Background())
	if err != nil || !rep.Tripped {
		t.Errorf("RunOnce() = %+v, %v; want tripped cycle", rep, err)
	}
	if store.calls.Load() != calls {
		t.Error("store listed while breaker open")
	}
}

func TestRunWakesAndStops(t *testing.T) {
	store := seed(t, "a.csv")
	tr := tracker.New(tracker.NewMemoryBackend(), tracker.DefaultConfig())
	clock := newFakeClock()
	p := New(store, tr, &fakeProcessor{t: tr}, Config{Interval: time.Hour}, nil,
		WithRetrier(fastRetrier()), WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	cycles := make(chan CycleReport, 8)
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, func(rep CycleReport, err error) { cycles <- rep })
	}()

	first := <-cycles
	if first.Succeeded != 1 {
		t.Errorf("first cycle = %+v", first)
	}

	if err := store.Put(context.Background(), "b.csv", []byte("id\n2\n")); err != nil {
		t.Fatal(err)
	}
	p.Wake()
	second := <-cycles
	if second.Candidates != 1 || second.Succeeded != 1 {
		t.Errorf("woken cycle = %+v", second)
	}

	clock.ticks <- clock.Now()
	<-cycles

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
