package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/script-supervisor/pkg/logging"
)

// DefaultTimeout bounds the registered cleanup functions as a whole
const DefaultTimeout = 30 * time.Second

type hook struct {
	name string
	fn   func(context.Context) error
}

// Manager turns the first SIGTERM/SIGINT into a cancelled context (the
// operator stop) and runs cleanup functions afterwards. A second signal
// exits immediately.
type Manager struct {
	mu      sync.Mutex
	hooks   []hook
	timeout time.Duration
	logger  *logging.Logger

	once   sync.Once
	done   chan struct{}
	reason string

	exit func(code int)
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
		exit:    os.Exit,
	}
}

// Register adds a cleanup function. Functions run in reverse order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Listen returns a context that is cancelled on the first termination
// signal, on Trigger, or when parent is done.
func (m *Manager) Listen(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			m.Trigger(fmt.Sprintf("received signal %v", sig))
		case <-m.done:
		case <-parent.Done():
			cancel()
			return
		}
		cancel()

		// A second signal means the operator does not want to wait
		select {
		case sig := <-sigChan:
			m.logger.Warn(fmt.Sprintf("Received second signal %v, exiting without cleanup", sig))
			m.exit(1)
		case <-parent.Done():
		}
	}()

	return ctx
}

// Trigger initiates shutdown as if a signal had arrived
func (m *Manager) Trigger(reason string) {
	m.once.Do(func() {
		m.mu.Lock()
		m.reason = reason
		m.mu.Unlock()
		m.logger.Info(fmt.Sprintf("Stop requested (%s), initiating graceful shutdown", reason))
		close(m.done)
	})
}

// Reason returns why shutdown was initiated, or "" if it was not
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Shutdown runs the registered functions in LIFO order within the timeout.
// Every function runs even if an earlier one fails.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	hooks := make([]hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			m.logger.Error(fmt.Sprintf("Shutdown of %s failed: %v", h.name, err))
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		m.logger.Debug(fmt.Sprintf("%s stopped", h.name))
	}
	return errors.Join(errs...)
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
