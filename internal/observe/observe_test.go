package observe

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestTiming(t *testing.T) {
	timing := NewTiming()
	time.Sleep(5 * time.Millisecond)
	timing.Complete()
	first := timing.CompletedAt
	timing.Complete()

	if timing.CompletedAt != first {
		t.Error("Complete should only record the first call")
	}
	if timing.Duration() < 5*time.Millisecond {
		t.Errorf("Duration = %v, want >= 5ms", timing.Duration())
	}
}

func TestTreeRSS_Self(t *testing.T) {
	rss := TreeRSS(context.Background(), int32(os.Getpid()))
	if rss == 0 {
		t.Error("expected non-zero RSS for the test process")
	}
}

func TestSampler_TracksChild(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 1")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start /bin/sh: %v", err)
	}
	defer cmd.Process.Kill()

	s := NewSampler(cmd.Process.Pid, 10*time.Millisecond)
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	peak := s.Stop()
	if peak == 0 {
		t.Error("expected a non-zero peak RSS")
	}
	if again := s.Stop(); again != peak {
		t.Errorf("second Stop() = %d, want %d", again, peak)
	}
}

func TestSampler_MissingProcess(t *testing.T) {
	s := NewSampler(1<<30, 0)
	s.Start(context.Background())
	if got := s.Stop(); got != 0 {
		t.Errorf("peak for missing pid = %d, want 0", got)
	}
}
