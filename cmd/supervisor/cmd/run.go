package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/script-supervisor/internal/report"
	"github.com/psantana5/script-supervisor/pkg/auth"
	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/fetcher"
	"github.com/psantana5/script-supervisor/pkg/logging"
	"github.com/psantana5/script-supervisor/pkg/metrics"
	"github.com/psantana5/script-supervisor/pkg/preflight"
	"github.com/psantana5/script-supervisor/pkg/sandbox"
	"github.com/psantana5/script-supervisor/pkg/shutdown"
	"github.com/psantana5/script-supervisor/pkg/supervisor"
	"github.com/psantana5/script-supervisor/pkg/tracing"
)

var (
	runOnce     bool
	runDryRun   bool
	metricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor loop",
	Long: `Run fetches the script, executes it and restarts it with exponential backoff
until SIGTERM or SIGINT. The first signal stops the running script gracefully
(SIGTERM, then SIGKILL after KILL_GRACE_PERIOD); a second one exits at once.`,
	RunE: runSupervisor,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runOnce, "once", false, "execute the script once and exit")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "fetch and verify the script, print the command, do not execute")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "status server address override (empty string in env disables)")
	v.BindPFlag(config.KeyMetricsAddr, runCmd.Flags().Lookup("metrics-addr"))
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runOnce {
		cfg.MaxAttempts = 1
	}
	if err := supervisor.Prepare(cfg); err != nil {
		return err
	}

	logger, err := logging.NewFileLogger(cfg.Mounts.RunsDir(), "supervisor", logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")
	if err != nil {
		return &config.ConfigError{Kind: config.PathNotWritable, Key: config.KeyLogsDir, Path: cfg.Mounts.RunsDir(), Err: err}
	}
	defer logger.Close()

	logger.Info(fmt.Sprintf("Script supervisor %s starting", Version), logging.Fields{
		"script_url":  cfg.ScriptURL,
		"script_name": cfg.ScriptName,
		"history":     cfg.HistoryBackend,
		"max_runtime": cfg.MaxRuntime.String(),
	})

	if low, err := cfg.Mounts.LowDiskSpace(cfg.MinFreeMB); err != nil {
		logger.Warn(fmt.Sprintf("Disk space check failed: %v", err))
	} else {
		for _, d := range low {
			logger.Warn(fmt.Sprintf("Low disk space on %s: %d MB available", d.Path, d.AvailableMB))
		}
	}

	if len(cfg.PreflightTools) > 0 {
		for _, r := range preflight.Check(cmd.Context(), cfg.PreflightTools) {
			if r.OK() {
				logger.Info(fmt.Sprintf("Preflight %s: %s", r.Name, r.Version))
			} else {
				logger.Warn(fmt.Sprintf("Preflight %s: %s (%s)", r.Name, r.Status, r.Error))
			}
		}
	}

	if runDryRun {
		return dryRun(cmd.Context(), cfg, logger)
	}

	sup, err := supervisor.FromConfig(cfg, logger)
	if err != nil {
		return err
	}

	mgr := shutdown.New(shutdown.DefaultTimeout, logger)
	ctx := mgr.Listen(cmd.Context())
	mgr.Register("history", shutdown.CloseResource(sup.History()))

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "script-supervisor",
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Warn(fmt.Sprintf("Tracing disabled: %v", err))
	} else {
		mgr.Register("tracing", tracer.Shutdown)
		sup.WithTracer(tracer)
	}

	m := metrics.New()
	failures := report.NewFailureLog(report.DefaultFailureLogSize)
	sup.WithMetrics(m).WithFailureLog(failures)

	if cfg.MetricsAddr != "" {
		var verifier *auth.TokenVerifier
		if cfg.StatusToken != "" {
			if verifier, err = auth.NewTokenVerifier(cfg.StatusToken); err != nil {
				mgr.Shutdown()
				return &config.ConfigError{Kind: config.InvalidValue, Key: config.KeyStatusToken, Err: err}
			}
		}
		server := metrics.NewServer(metrics.ServerOptions{
			Addr:         cfg.MetricsAddr,
			Mounts:       cfg.Mounts,
			MinFreeMB:    cfg.MinFreeMB,
			MinFreeMemMB: cfg.MinFreeMemMB,
			State:        sup.State,
			History:      sup.History(),
			Failures:     failures,
			Auth:         verifier,
		}, m, logger)
		if err := server.Start(); err != nil {
			mgr.Shutdown()
			return err
		}
		mgr.Register("status server", shutdown.StopHTTPServer(server))
	}

	runErr := sup.Run(ctx)
	reason := mgr.Reason()
	if reason == "" {
		reason = "supervisor loop ended"
	}
	if err := mgr.Shutdown(); err != nil {
		logger.Warn(fmt.Sprintf("Shutdown completed with errors: %v", err))
	}
	if runErr != nil {
		logger.Error(fmt.Sprintf("Supervisor stopped: %v", runErr))
		return runErr
	}
	logger.Info(fmt.Sprintf("Supervisor stopped: %s", reason))
	return nil
}

// dryRun performs one fetch cycle and shows what would be executed
func dryRun(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	f, err := fetcher.New(fetcher.OptionsFromConfig(cfg), logger)
	if err != nil {
		return err
	}

	src, err := f.Fetch(ctx)
	if err != nil {
		cached, ok := f.Cached()
		if !fetcher.IsUnreachable(err) || !cfg.AllowStaleScript || !ok {
			return fmt.Errorf("fetch failed: %w", err)
		}
		logger.Warn(fmt.Sprintf("Script source unreachable, would run cached copy: %v", err))
		src = cached.AsStale()
	}

	argv, err := sandbox.Command(src.CachedPath, cfg.ScriptInterpreter)
	if err != nil {
		return err
	}

	plan := map[string]interface{}{
		"script":      src,
		"stale":       src.Stale,
		"command":     argv,
		"workdir":     cfg.Mounts.Tmp,
		"max_runtime": cfg.MaxRuntime.String(),
	}
	if handled, err := printStructured(os.Stdout, plan); handled {
		return err
	}

	timeout := "none"
	if cfg.MaxRuntime > 0 {
		timeout = cfg.MaxRuntime.String()
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Script", src.CachedPath)
	table.Append("Checksum", src.Checksum)
	table.Append("Fetched At", src.FetchedAt.Format(time.RFC3339))
	table.Append("Stale", fmt.Sprintf("%t", src.Stale))
	table.Append("Command", fmt.Sprintf("%q", argv))
	table.Append("Workdir", cfg.Mounts.Tmp)
	table.Append("Timeout", timeout)
	table.Render()
	return nil
}
