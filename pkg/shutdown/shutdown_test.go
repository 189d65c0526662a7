package shutdown

import (
	"bytes"
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/psantana5/script-supervisor/pkg/logging"
)

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(&bytes.Buffer{})
	return l
}

// newTestManager never exits the test binary on a stray second signal
func newTestManager() *Manager {
	m := New(time.Second, quietLogger())
	m.exit = func(int) {}
	return m
}

func TestShutdown_LIFOAndErrors(t *testing.T) {
	m := New(time.Second, quietLogger())

	var order []string
	m.Register("history", func(ctx context.Context) error {
		order = append(order, "history")
		return nil
	})
	m.Register("server", func(ctx context.Context) error {
		order = append(order, "server")
		return errors.New("boom")
	})
	m.Register("tracing", func(ctx context.Context) error {
		order = append(order, "tracing")
		return nil
	})

	err := m.Shutdown()
	if err == nil {
		t.Fatal("expected joined error from failing hook")
	}
	want := []string{"tracing", "server", "history"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestListen_TriggerCancels(t *testing.T) {
	m := newTestManager()
	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()
	ctx := m.Listen(parent)

	m.Trigger("test")
	m.Trigger("again")

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after Trigger")
	}
	if m.Reason() != "test" {
		t.Errorf("Reason = %q, want first trigger reason", m.Reason())
	}
}

func TestListen_SignalCancels(t *testing.T) {
	m := New(time.Second, quietLogger())
	exited := make(chan int, 1)
	m.exit = func(code int) { exited <- code }

	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()
	ctx := m.Listen(parent)

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after SIGTERM")
	}
	if got := m.Reason(); got != "received signal terminated" {
		t.Errorf("Reason = %q, want the signal", got)
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case code := <-exited:
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestListen_ParentCancel(t *testing.T) {
	m := newTestManager()
	parent, cancel := context.WithCancel(context.Background())
	ctx := m.Listen(parent)
	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled with parent")
	}
}
