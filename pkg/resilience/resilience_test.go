package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	lferrors "github.com/logflow/tableflow/pkg/errors"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetrier_Do(t *testing.T) {
	transient := lferrors.Transient(errors.New("connection reset"), "put")
	permanent := lferrors.New(lferrors.CodeSchemaConflict, "column removed")

	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   error
	}{
		{"succeeds first time", nil, 1, nil},
		{"recovers from transient", []error{transient, transient}, 3, nil},
		{"gives up after budget", []error{transient, transient, transient, transient, transient}, 4, transient},
		{"stops on permanent", []error{permanent}, 1, permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRetrier(fastRetry(), nil)
			calls := 0
			err := r.Do(context.Background(), "op", func(ctx context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if !errors.Is(err, tt.wantErr) && err != tt.wantErr {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetrier_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRetrier(fastRetry(), nil)
	calls := 0
	err := r.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		return lferrors.Transient(errors.New("timeout"), "get")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls > 1 {
		t.Errorf("calls = %d after cancel, want at most 1", calls)
	}
}

func TestBreaker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute).WithClock(func() time.Time { return now })
	tripped := 0
	b.OnTrip = func(int) { tripped++ }

	transient := lferrors.Transient(errors.New("refused"), "exec")

	b.Record(lferrors.New(lferrors.CodeLoadRejected, "bad row"))
	b.Record(transient)
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v after one transient failure", b.State())
	}
	b.Record(transient)
	if b.State() != BreakerOpen || tripped != 1 {
		t.Fatalf("state = %v tripped = %d, want open once", b.State(), tripped)
	}
	if b.Allow() {
		t.Fatal("open breaker allowed a call")
	}

	now = now.Add(time.Minute)
	if !b.Allow() || b.State() != BreakerHalfOpen {
		t.Fatalf("breaker did not half-open after cooldown: %v", b.State())
	}
	b.Record(transient)
	if b.State() != BreakerOpen {
		t.Fatalf("failed trial call left breaker %v", b.State())
	}

	now = now.Add(time.Minute)
	b.Allow()
	b.Record(nil)
	if b.State() != BreakerClosed {
		t.Fatalf("successful trial call left breaker %v", b.State())
	}
}
