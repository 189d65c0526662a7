package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/logging"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=..."
var Version = "dev"

var (
	cfgFile      string
	outputFormat string
	logLevel     string

	v             = viper.New()
	configFileErr error
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Supervised script runner",
	Long: `supervisor fetches a script from a remote location, caches it with integrity
verification, runs it with persistent mounts and restarts it with exponential
backoff when it fails.

Configuration comes from environment variables (SCRIPT_URL, MAX_RUNTIME_SECONDS,
RESTART_BASE_DELAY, ...) and optionally a YAML file given with --config.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// ExitCode maps an Execute error to the process exit status:
// 2 for configuration errors, 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if config.IsConfigError(err) {
		return 2
	}
	return 1
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (keys are the environment variable names)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	v.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	config.SetDefaults(v)
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			configFileErr = &config.ConfigError{Kind: config.InvalidValue, Key: "--config", Path: cfgFile, Err: err}
		}
	}
}

// loadConfig returns the validated configuration. It never touches the mounts.
func loadConfig() (*config.Config, error) {
	if configFileErr != nil {
		return nil, configFileErr
	}
	return config.Load(v)
}

// newConsoleLogger is used by the short-lived commands
func newConsoleLogger(level string) *logging.Logger {
	if logLevel != "" {
		level = logLevel
	}
	if level == "" {
		level = "info"
	}
	return logging.NewLogger(logging.ParseLevel(level), false)
}

func validateOutput() error {
	switch strings.ToLower(outputFormat) {
	case "table", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
	}
}
