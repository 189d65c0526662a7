package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/script-supervisor/internal/report"
	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/fetcher"
	"github.com/psantana5/script-supervisor/pkg/history"
	"github.com/psantana5/script-supervisor/pkg/logging"
	"github.com/psantana5/script-supervisor/pkg/metrics"
	"github.com/psantana5/script-supervisor/pkg/models"
	"github.com/psantana5/script-supervisor/pkg/retry"
	"github.com/psantana5/script-supervisor/pkg/tracing"
)

// ScriptFetcher resolves the script and exposes the last good cache
type ScriptFetcher interface {
	Fetch(ctx context.Context) (*models.ScriptSource, error)
	Cached() (*models.ScriptSource, bool)
}

// Runner executes one attempt and returns its sealed record
type Runner interface {
	Run(ctx context.Context, src *models.ScriptSource, attempt int) *models.RunRecord
}

// Options controls restart and fallback policy
type Options struct {
	RestartBaseDelay time.Duration
	RestartMaxDelay  time.Duration
	FetchRetryDelay  time.Duration
	AllowStaleScript bool
	MaxAttempts      int   // executions before halting, 0 = unlimited
	LogMaxBytes      int64 // supervisor log rotation threshold, 0 = never

	// Mounts are checked before every execution when set. A missing mount is
	// only recreated with CreateMounts; otherwise the run goes ahead and the
	// sandbox records the failure.
	Mounts       *config.PersistentMounts
	CreateMounts bool
}

// OptionsFromConfig maps the supervisor configuration to loop options
func OptionsFromConfig(cfg *config.Config) Options {
	mounts := cfg.Mounts
	return Options{
		RestartBaseDelay: cfg.RestartBaseDelay,
		RestartMaxDelay:  cfg.RestartMaxDelay,
		FetchRetryDelay:  cfg.FetchRetryDelay,
		AllowStaleScript: cfg.AllowStaleScript,
		MaxAttempts:      cfg.MaxAttempts,
		LogMaxBytes:      cfg.LogMaxBytes,
		Mounts:           &mounts,
		CreateMounts:     cfg.CreateMounts,
	}
}

func (o Options) validate() error {
	if o.RestartBaseDelay <= 0 {
		return &config.ConfigError{Kind: config.InvalidValue, Key: config.KeyRestartBaseDelay, Err: errors.New("must be positive")}
	}
	if o.RestartMaxDelay < o.RestartBaseDelay {
		return &config.ConfigError{Kind: config.InvalidValue, Key: config.KeyRestartMaxDelay, Err: fmt.Errorf("must be >= %s", o.RestartBaseDelay)}
	}
	if o.FetchRetryDelay <= 0 {
		return &config.ConfigError{Kind: config.InvalidValue, Key: config.KeyFetchRetryDelay, Err: errors.New("must be positive")}
	}
	if o.MaxAttempts < 0 {
		return &config.ConfigError{Kind: config.InvalidValue, Key: config.KeyMaxAttempts, Err: errors.New("must not be negative")}
	}
	return nil
}

// Supervisor drives the fetch, execute, evaluate, backoff cycle. It runs a
// single attempt at a time and only halts when its context is cancelled or
// MaxAttempts is reached.
type Supervisor struct {
	opts    Options
	fetcher ScriptFetcher
	runner  Runner
	history history.Store
	logger  *logging.Logger

	runPolicy   retry.Policy
	fetchPolicy retry.Policy

	metrics  *metrics.Metrics
	failures *report.FailureLog
	tracer   *tracing.Provider

	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	onPhase func(from, to models.Phase, state models.SupervisorState)

	mu    sync.RWMutex
	state models.SupervisorState
}

// New creates a Supervisor. Invalid options are reported as a ConfigError.
func New(opts Options, f ScriptFetcher, r Runner, h history.Store, logger *logging.Logger) (*Supervisor, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if f == nil || r == nil {
		return nil, errors.New("supervisor requires a fetcher and a runner")
	}
	if h == nil {
		h = history.NewMemoryStore()
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Supervisor{
		opts:        opts,
		fetcher:     f,
		runner:      r,
		history:     h,
		logger:      logger.WithField("component", "supervisor"),
		runPolicy:   retry.NewPolicy(opts.RestartBaseDelay, opts.RestartMaxDelay),
		fetchPolicy: retry.NewPolicy(opts.FetchRetryDelay, opts.RestartMaxDelay),
		sleep:       retry.Sleep,
		now:         time.Now,
		state:       models.SupervisorState{Phase: models.PhaseStarting, UpdatedAt: time.Now().UTC()},
	}, nil
}

// WithMetrics publishes phases, fetches and runs to m
func (s *Supervisor) WithMetrics(m *metrics.Metrics) *Supervisor {
	s.metrics = m
	return s
}

// WithFailureLog records failed runs in f
func (s *Supervisor) WithFailureLog(f *report.FailureLog) *Supervisor {
	s.failures = f
	return s
}

// WithTracer wraps fetches and executions in spans
func (s *Supervisor) WithTracer(p *tracing.Provider) *Supervisor {
	s.tracer = p
	return s
}

// History returns the run history store
func (s *Supervisor) History() history.Store {
	return s.history
}

// State returns a snapshot of the supervisor state
func (s *Supervisor) State() models.SupervisorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	if st.BackoffUntil != nil {
		t := *st.BackoffUntil
		st.BackoffUntil = &t
	}
	return st
}

// Run loops until ctx is cancelled (operator stop) or MaxAttempts
// executions have happened. It returns nil on a normal halt; an error means
// the loop could not start or hit an internal inconsistency.
func (s *Supervisor) Run(ctx context.Context) error {
	last, err := s.history.LastAttempt(ctx)
	if err != nil {
		return fmt.Errorf("failed to read run history: %w", err)
	}
	s.update(func(st *models.SupervisorState) { st.Attempt = last })
	if last > 0 {
		s.logger.Info(fmt.Sprintf("Resuming after attempt %d", last))
	}

	executions := 0
	for {
		if ctx.Err() != nil {
			return s.halt("stop requested")
		}

		if err := s.transition(models.PhaseFetching); err != nil {
			return err
		}
		src, ok := s.fetch(ctx)
		if ctx.Err() != nil {
			return s.halt("stop requested")
		}
		if !ok {
			delay := s.fetchPolicy.Delay(s.State().ConsecutiveFetchFailures)
			if err := s.backoff(ctx, delay); err != nil {
				return err
			}
			continue
		}

		s.checkMounts()

		if err := s.transition(models.PhaseExecuting); err != nil {
			return err
		}
		attempt := s.State().Attempt + 1
		rec := s.execute(ctx, src, attempt)
		executions++

		if err := s.transition(models.PhaseEvaluating); err != nil {
			return err
		}
		s.evaluate(ctx, rec)

		if rec.Interrupted || ctx.Err() != nil {
			return s.halt("stop requested")
		}
		if s.opts.MaxAttempts > 0 && executions >= s.opts.MaxAttempts {
			return s.halt(fmt.Sprintf("reached %s=%d", config.KeyMaxAttempts, s.opts.MaxAttempts))
		}
		if rec.Outcome.IsSuccess() {
			continue
		}

		delay := s.runPolicy.Delay(s.State().ConsecutiveFailures)
		if err := s.backoff(ctx, delay); err != nil {
			return err
		}
	}
}

// fetch performs one fetch cycle. It returns the source to execute, which
// may be the stale cache, or false when the loop must back off.
func (s *Supervisor) fetch(ctx context.Context) (*models.ScriptSource, bool) {
	spanCtx, span := s.tracer.StartSpan(ctx, tracing.SpanFetch)
	src, err := s.fetcher.Fetch(spanCtx)
	tracing.EndFetch(span, src, err)

	if ctx.Err() != nil {
		return nil, false
	}

	s.update(func(st *models.SupervisorState) { st.RecordFetch(err) })
	state := s.State()
	if err == nil {
		s.observeFetch(metrics.FetchFetched, state)
		return src, true
	}

	fields := logging.Fields{
		"error":                      err.Error(),
		"kind":                       string(fetcher.KindOf(err)),
		"consecutive_fetch_failures": state.ConsecutiveFetchFailures,
	}

	if fetcher.IsUnreachable(err) && s.opts.AllowStaleScript {
		if cached, ok := s.fetcher.Cached(); ok && cached.Usable() {
			fields["checksum"] = cached.Checksum
			s.logger.Warn("Script source unreachable, running last good cached copy", fields)
			s.observeFetch(metrics.FetchStale, state)
			return cached.AsStale(), true
		}
	}

	s.logger.Error("Script fetch failed", fields)
	s.observeFetch(metrics.FetchFailed, state)
	return nil, false
}

func (s *Supervisor) execute(ctx context.Context, src *models.ScriptSource, attempt int) *models.RunRecord {
	s.logger.Info(fmt.Sprintf("Starting attempt %d", attempt), logging.Fields{
		"checksum": src.Checksum,
		"stale":    src.Stale,
	})

	spanCtx, span := s.tracer.StartSpan(ctx, tracing.SpanExecute,
		tracing.AttrAttempt.Int(attempt),
		tracing.AttrURL.String(src.URL),
	)
	rec := s.runner.Run(spanCtx, src, attempt)
	tracing.EndExecute(span, rec)

	s.update(func(st *models.SupervisorState) { st.Attempt = attempt })
	return rec
}

// evaluate applies the outcome to the state and records it everywhere.
// History failures are logged and never stop the loop.
func (s *Supervisor) evaluate(ctx context.Context, rec *models.RunRecord) {
	s.update(func(st *models.SupervisorState) { st.RecordOutcome(rec.Outcome) })

	// The record is persisted even when a stop interrupted the run
	if err := s.history.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("Failed to append run history", logging.Fields{
			"attempt": rec.Attempt,
			"error":   err.Error(),
		})
	}
	report.LogSummary(s.logger, rec)

	if s.failures != nil {
		s.failures.Record(rec)
	}
	if s.metrics != nil {
		s.metrics.ObserveRun(rec)
		s.metrics.ObserveState(s.State())
	}

	if s.opts.LogMaxBytes > 0 {
		if rotated, err := s.logger.RotateIfNeeded(s.opts.LogMaxBytes); err != nil {
			s.logger.Warn(fmt.Sprintf("Log rotation failed: %v", err))
		} else if rotated {
			s.logger.Info("Supervisor log rotated")
		}
	}
}

// backoff records BackoffUntil, enters the backoff phase and waits for
// delay. Cancellation halts the loop.
func (s *Supervisor) backoff(ctx context.Context, delay time.Duration) error {
	until := s.now().Add(delay).UTC()
	s.update(func(st *models.SupervisorState) { st.BackoffUntil = &until })
	if err := s.transition(models.PhaseBackoff); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SetBackoff(delay)
	}

	state := s.State()
	s.logger.Info(fmt.Sprintf("Backing off for %s", delay), logging.Fields{
		"until":                      until.Format(time.RFC3339),
		"consecutive_failures":       state.ConsecutiveFailures,
		"consecutive_fetch_failures": state.ConsecutiveFetchFailures,
	})

	if err := s.sleep(ctx, delay); err != nil {
		return s.halt("stop requested during backoff")
	}
	return nil
}

func (s *Supervisor) checkMounts() {
	if s.opts.Mounts == nil {
		return
	}
	check := s.opts.Mounts.Check
	if s.opts.CreateMounts {
		check = s.opts.Mounts.Ensure
	}
	if err := check(); err != nil {
		s.logger.Error("Mount check failed before run", logging.Fields{"error": err.Error()})
	}
}

func (s *Supervisor) halt(reason string) error {
	if s.State().Phase == models.PhaseHalted {
		return nil
	}
	if err := s.transition(models.PhaseHalted); err != nil {
		return err
	}
	s.update(func(st *models.SupervisorState) { st.BackoffUntil = nil })
	state := s.State()
	s.logger.Info(fmt.Sprintf("Supervisor halted: %s", reason), logging.Fields{
		"attempt":              state.Attempt,
		"consecutive_failures": state.ConsecutiveFailures,
	})
	return nil
}

// transition moves to the next phase. An invalid transition is a bug in the
// loop and stops it.
func (s *Supervisor) transition(to models.Phase) error {
	s.mu.Lock()
	from := s.state.Phase
	if err := models.ValidateTransition(from, to); err != nil {
		s.mu.Unlock()
		s.logger.Error("Invalid phase transition", logging.Fields{"from": string(from), "to": string(to)})
		return fmt.Errorf("supervisor: %w", err)
	}
	s.state.Phase = to
	s.state.UpdatedAt = s.now().UTC()
	state := s.state
	s.mu.Unlock()

	s.logger.Debug(fmt.Sprintf("Phase %s -> %s", from, to))
	if s.metrics != nil {
		s.metrics.SetPhase(to)
	}
	if s.onPhase != nil {
		s.onPhase(from, to, state)
	}
	return nil
}

func (s *Supervisor) update(fn func(st *models.SupervisorState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.state.UpdatedAt = s.now().UTC()
}

func (s *Supervisor) observeFetch(result string, state models.SupervisorState) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveFetch(result)
	s.metrics.ObserveState(state)
}
