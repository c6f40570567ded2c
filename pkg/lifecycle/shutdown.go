// Package lifecycle turns SIGINT/SIGTERM into context cancellation, waits
// for in-flight runs to drain, then closes registered resources.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Closer is a resource released on shutdown.
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// ShutdownConfig configures the shutdown manager.
type ShutdownConfig struct {
	// DrainTimeout is how long in-flight runs get to reach a phase
	// boundary after the shutdown signal.
	DrainTimeout time.Duration
	// Signals trigger shutdown. Defaults to SIGINT and SIGTERM.
	Signals []os.Signal
}

// DefaultShutdownConfig returns sensible defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		DrainTimeout: 5 * time.Minute,
		Signals:      []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// ErrDrainTimeout is returned by Run when work did not stop in time.
var ErrDrainTimeout = errors.New("drain timeout reached")

// ShutdownManager coordinates graceful shutdown.
type ShutdownManager struct {
	mu sync.Mutex

	cfg        ShutdownConfig
	log        *zap.SugaredLogger
	draining   bool
	shutdownAt time.Time
	closers    []namedCloser
}

type namedCloser struct {
	name string
	c    Closer
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(cfg ShutdownConfig, log *zap.SugaredLogger) *ShutdownManager {
	def := DefaultShutdownConfig()
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = def.Signals
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ShutdownManager{cfg: cfg, log: log}
}

// RegisterCloser adds a resource to close on shutdown. Closers run in
// reverse registration order.
func (m *ShutdownManager) RegisterCloser(name string, c Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, namedCloser{name: name, c: c})
}

// IsDraining reports whether shutdown has begun.
func (m *ShutdownManager) IsDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

func (m *ShutdownManager) startDrain(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.draining {
		m.draining = true
		m.shutdownAt = time.Now()
		m.log.Infow("shutdown requested, draining in-flight runs", "reason", reason, "drain_timeout", m.cfg.DrainTimeout)
	}
}

// Run calls fn with a context cancelled on the first shutdown signal or
// when parent ends. After cancellation fn has DrainTimeout to return.
// Registered closers run once fn returns or the drain times out.
func (m *ShutdownManager) Run(parent context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, m.cfg.Signals...)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() { errChan <- fn(ctx) }()

	var runErr error
	select {
	case runErr = <-errChan:
	case sig := <-sigChan:
		m.startDrain(sig.String())
		cancel()
		runErr = m.drain(errChan)
	case <-parent.Done():
		m.startDrain("context done")
		runErr = m.drain(errChan)
	}

	if err := m.closeAll(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func (m *ShutdownManager) drain(errChan <-chan error) error {
	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case err := <-errChan:
		return err
	case <-timer.C:
		m.log.Warnw("drain timeout reached; stale claims will be reclaimed later")
		return ErrDrainTimeout
	}
}

func (m *ShutdownManager) closeAll() error {
	m.mu.Lock()
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		nc := closers[i]
		if err := nc.c.Close(); err != nil {
			m.log.Warnw("close failed", "resource", nc.name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", nc.name, err))
		}
	}
	return errors.Join(errs...)
}

// ShutdownStatus is a snapshot of the manager.
type ShutdownStatus struct {
	Draining     bool
	ShutdownAt   time.Time
	DrainTimeout time.Duration
}

// Status returns the current status.
func (m *ShutdownManager) Status() ShutdownStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ShutdownStatus{
		Draining:     m.draining,
		ShutdownAt:   m.shutdownAt,
		DrainTimeout: m.cfg.DrainTimeout,
	}
}
