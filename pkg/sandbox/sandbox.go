package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psantana5/script-supervisor/internal/cgroups"
	"github.com/psantana5/script-supervisor/internal/observe"
	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/logging"
	"github.com/psantana5/script-supervisor/pkg/models"
)

// Options configures how scripts are executed
type Options struct {
	Mounts          config.PersistentMounts
	Interpreter     string
	MaxRuntime      time.Duration // 0 = no timeout
	KillGracePeriod time.Duration
	PassthroughEnv  []string
	Nice            int
	MemoryLimitMB   int64
	CPUQuotaPercent int

	// Environ supplies the supervisor environment; defaults to os.Environ
	Environ        func() []string
	SampleInterval time.Duration
}

// OptionsFromConfig maps the supervisor configuration to sandbox options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Mounts:          cfg.Mounts,
		Interpreter:     cfg.ScriptInterpreter,
		MaxRuntime:      cfg.MaxRuntime,
		KillGracePeriod: cfg.KillGracePeriod,
		PassthroughEnv:  cfg.PassthroughEnv,
		Nice:            cfg.Nice,
		MemoryLimitMB:   cfg.MemoryLimitMB,
		CPUQuotaPercent: cfg.CPUQuotaPercent,
	}
}

// Sandbox runs one script attempt at a time as an isolated child process
type Sandbox struct {
	opts    Options
	limits  *cgroups.Limits
	cgroups *cgroups.Manager
	logger  *logging.Logger
}

// New creates a Sandbox
func New(opts Options, logger *logging.Logger) *Sandbox {
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	if opts.KillGracePeriod <= 0 {
		opts.KillGracePeriod = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	s := &Sandbox{
		opts:   opts,
		limits: cgroups.LimitsFor(opts.MemoryLimitMB, opts.CPUQuotaPercent),
		logger: logger.WithField("component", "sandbox"),
	}
	if s.limits != nil {
		s.cgroups = cgroups.New()
	}
	return s
}

// WithCgroupManager replaces the cgroup manager used for limits
func (s *Sandbox) WithCgroupManager(m *cgroups.Manager) *Sandbox {
	s.cgroups = m
	return s
}

// Run executes src as attempt and returns the sealed record. It never
// returns an error: anything that prevents a normal exit is recorded as
// Crashed or Timeout. Cancelling ctx stops the child gracefully and marks
// the record Interrupted.
func (s *Sandbox) Run(ctx context.Context, src *models.ScriptSource, attempt int) *models.RunRecord {
	rec := models.NewRunRecord(attempt, src)
	log := s.logger.WithField("attempt", attempt)

	if err := os.MkdirAll(s.opts.Mounts.RunsDir(), 0o755); err != nil {
		return s.crash(rec, fmt.Errorf("create runs dir: %w", err))
	}
	runLog, err := OpenRunLog(filepath.Join(s.opts.Mounts.RunsDir(), fmt.Sprintf("run-%d.log", attempt)))
	if err != nil {
		return s.crash(rec, err)
	}
	defer runLog.Close()
	rec.LogPath = runLog.Path()

	if !src.Usable() {
		runLog.Printf("attempt %d: no usable script", attempt)
		return s.crash(rec, errors.New("no usable script"))
	}
	if err := ctx.Err(); err != nil {
		rec.Interrupted = true
		runLog.Printf("attempt %d: cancelled before start", attempt)
		return s.crash(rec, fmt.Errorf("cancelled before start: %w", err))
	}

	argv, err := Command(src.CachedPath, s.opts.Interpreter)
	if err != nil {
		runLog.Printf("attempt %d: %v", attempt, err)
		return s.crash(rec, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.opts.Mounts.Tmp
	cmd.Env = BuildEnv(s.opts.Environ(), s.opts.PassthroughEnv, s.opts.Mounts, RunInfo{
		Attempt:    attempt,
		RunID:      rec.ID,
		ScriptPath: src.CachedPath,
	})
	// Own process group so termination reaches everything the script spawned
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, stderr := runLog.Stream("stdout"), runLog.Stream("stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = s.opts.KillGracePeriod

	runLog.Printf("attempt %d: starting %s (checksum %s, stale=%t)", attempt, strings.Join(argv, " "), src.Checksum, src.Stale)

	timing := observe.NewTiming()
	if err := cmd.Start(); err != nil {
		runLog.Printf("attempt %d: failed to start: %v", attempt, err)
		return s.crash(rec, fmt.Errorf("failed to start: %w", err))
	}
	pid := cmd.Process.Pid
	rec.PID = pid
	log.Info("Script started", logging.Fields{"pid": pid, "command": strings.Join(argv, " ")})

	s.applyNice(pid, log)
	cgroupPath := s.applyLimits(rec.ID, pid, log)
	defer func() {
		if cgroupPath != "" {
			s.cgroups.Delete(cgroupPath)
		}
	}()

	sampler := observe.NewSampler(pid, s.opts.SampleInterval)
	sampler.Start(context.Background())

	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if s.opts.MaxRuntime > 0 {
		timer := time.NewTimer(s.opts.MaxRuntime)
		defer timer.Stop()
		timeout = timer.C
	}

	note := func(format string, args ...interface{}) {
		runLog.Printf(format, args...)
		log.Warn(fmt.Sprintf(format, args...))
	}

	var timedOut bool
	select {
	case <-done:
	case <-timeout:
		timedOut = true
		note("attempt %d exceeded max runtime %s", attempt, s.opts.MaxRuntime)
		terminate(cmd.Process, s.opts.KillGracePeriod, done, note)
	case <-ctx.Done():
		rec.Interrupted = true
		note("attempt %d interrupted by stop request", attempt)
		terminate(cmd.Process, s.opts.KillGracePeriod, done, note)
	}
	<-done
	timing.Complete()

	rec.PeakRSSBytes = sampler.Stop()
	stdout.Flush()
	stderr.Flush()

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		runLog.Printf("attempt %d: output still open after exit, pipes closed", attempt)
	}

	st := Classify(cmd.ProcessState, timedOut)
	rec.Signal = st.Signal
	switch st.Outcome {
	case models.OutcomeTimeout:
		rec.Error = (&ExecutionError{Kind: Timeout, Attempt: attempt, Err: fmt.Errorf("exceeded max runtime %s", s.opts.MaxRuntime)}).Error()
	case models.OutcomeCrashed:
		reason := "terminated abnormally"
		if st.Signal != "" {
			reason = "killed by " + st.Signal
		}
		rec.Error = (&ExecutionError{Kind: Crashed, Attempt: attempt, Err: errors.New(reason)}).Error()
	}
	rec.Seal(st.Outcome, st.ExitCode)

	runLog.Printf("attempt %d finished: outcome=%s exit=%s signal=%s duration=%s",
		attempt, rec.Outcome, rec.ExitCodeString(), orDash(rec.Signal), timing.Duration().Round(time.Millisecond))
	return rec
}

func (s *Sandbox) crash(rec *models.RunRecord, err error) *models.RunRecord {
	rec.Error = (&ExecutionError{Kind: Crashed, Attempt: rec.Attempt, Err: err}).Error()
	rec.Seal(models.OutcomeCrashed, nil)
	s.logger.Error("Attempt could not run", logging.Fields{"attempt": rec.Attempt, "error": err.Error()})
	return rec
}

// applyNice lowers the child's priority (best effort)
func (s *Sandbox) applyNice(pid int, log *logging.Logger) {
	if s.opts.Nice == 0 {
		return
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, s.opts.Nice); err != nil {
		log.Warn("Failed to set nice value", logging.Fields{"nice": s.opts.Nice, "error": err.Error()})
	}
}

// applyLimits places the child in a cgroup (best effort).
// Returns cgroup path for cleanup.
func (s *Sandbox) applyLimits(runID string, pid int, log *logging.Logger) string {
	if s.limits == nil || s.cgroups == nil {
		return ""
	}
	path, err := s.cgroups.Apply(runID, pid, s.limits)
	if err != nil {
		log.Warn("Failed to apply cgroup limits", logging.Fields{"error": err.Error()})
	}
	if path == "" {
		log.Debug("Cgroup limits not applied, hierarchy not writable")
	}
	return path
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
