package lifecycle

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestRunReturnsWorkError(t *testing.T) {
	m := NewShutdownManager(ShutdownConfig{DrainTimeout: time.Second}, nil)
	var order []string
	m.RegisterCloser("first", CloserFunc(func() error { order = append(order, "first"); return nil }))
	m.RegisterCloser("second", CloserFunc(func() error { order = append(order, "second"); return nil }))

	boom := errors.New("boom")
	err := m.Run(context.Background(), func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Run() = %v, want boom", err)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("close order = %v, want reverse registration", order)
	}
}

func TestRunDrainsOnParentCancel(t *testing.T) {
	m := NewShutdownManager(ShutdownConfig{DrainTimeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	err := m.Run(ctx, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Run() = %v, want nil after clean drain", err)
	}
}

func TestRunDrainTimeout(t *testing.T) {
	m := NewShutdownManager(ShutdownConfig{DrainTimeout: 20 * time.Millisecond, Signals: []os.Signal{syscall.SIGUSR1}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	defer close(release)
	err := m.Run(ctx, func(ctx context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("Run() = %v, want ErrDrainTimeout", err)
	}
	if st := m.Status(); !st.Draining || !m.IsDraining() || st.ShutdownAt.IsZero() {
		t.Errorf("Status() = %+v, want draining", st)
	}
}

func TestCloseErrorsJoined(t *testing.T) {
	m := NewShutdownManager(ShutdownConfig{}, nil)
	m.RegisterCloser("db", CloserFunc(func() error { return errors.New("locked") }))
	err := m.Run(context.Background(), func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("close error dropped")
	}
}
