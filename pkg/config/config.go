package config

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the supervisor configuration. It is read from environment
// variables (and optionally a YAML file) through viper.
type Config struct {
	ScriptURL         string
	ScriptName        string
	ScriptChecksum    string // pinned digest "algo:hex", optional
	ScriptMaxBytes    int64
	ScriptInterpreter string
	ScriptAuthToken   string
	ScriptCAFile      string
	ScriptClientCert  string
	ScriptClientKey   string
	AllowStaleScript  bool

	FetchTimeout     time.Duration
	FetchRetries     int
	FetchRetryDelay  time.Duration
	FetchMinInterval time.Duration

	MaxRuntime       time.Duration // 0 = no timeout
	KillGracePeriod  time.Duration
	RestartBaseDelay time.Duration
	RestartMaxDelay  time.Duration
	MaxAttempts      int // 0 = unlimited

	PassthroughEnv  []string
	Nice            int
	MemoryLimitMB   int64
	CPUQuotaPercent int

	Mounts       PersistentMounts
	CreateMounts bool
	MinFreeMB    uint64
	MinFreeMemMB uint64

	HistoryBackend string
	HistoryDSN     string

	MetricsAddr  string
	StatusToken  string // bearer token for /runs and /state, optional
	LogLevel     string
	LogFormat    string
	LogMaxBytes  int64
	OTLPEndpoint string
	Environment  string

	PreflightTools []string
}

// Keys are the environment variable names understood by Load
const (
	KeyScriptURL         = "SCRIPT_URL"
	KeyScriptName        = "SCRIPT_NAME"
	KeyScriptChecksum    = "SCRIPT_CHECKSUM"
	KeyScriptMaxBytes    = "SCRIPT_MAX_BYTES"
	KeyScriptInterpreter = "SCRIPT_INTERPRETER"
	KeyScriptAuthToken   = "SCRIPT_AUTH_TOKEN"
	KeyScriptCAFile      = "SCRIPT_CA_FILE"
	KeyScriptClientCert  = "SCRIPT_CLIENT_CERT"
	KeyScriptClientKey   = "SCRIPT_CLIENT_KEY"
	KeyAllowStaleScript  = "ALLOW_STALE_SCRIPT"
	KeyFetchTimeout      = "FETCH_TIMEOUT"
	KeyFetchRetries      = "FETCH_RETRIES"
	KeyFetchRetryDelay   = "FETCH_RETRY_DELAY"
	KeyFetchMinInterval  = "FETCH_MIN_INTERVAL"
	KeyMaxRuntime        = "MAX_RUNTIME_SECONDS"
	KeyKillGracePeriod   = "KILL_GRACE_PERIOD"
	KeyRestartBaseDelay  = "RESTART_BASE_DELAY"
	KeyRestartMaxDelay   = "RESTART_MAX_DELAY"
	KeyMaxAttempts       = "MAX_ATTEMPTS"
	KeyPassthroughEnv    = "PASSTHROUGH_ENV"
	KeyNice              = "NICE"
	KeyMemoryLimitMB     = "MEMORY_LIMIT_MB"
	KeyCPUQuotaPercent   = "CPU_QUOTA_PERCENT"
	KeyDBDir             = "DB_DIR"
	KeySrcDir            = "SRC_DIR"
	KeyTmpDir            = "TMP_DIR"
	KeyLogsDir           = "LOGS_DIR"
	KeyCreateMounts      = "CREATE_MOUNTS"
	KeyMinFreeMB         = "MIN_FREE_DISK_MB"
	KeyMinFreeMemMB      = "MIN_FREE_MEM_MB"
	KeyHistoryBackend    = "HISTORY_BACKEND"
	KeyHistoryDSN        = "HISTORY_DSN"
	KeyMetricsAddr       = "METRICS_ADDR"
	KeyStatusToken       = "STATUS_TOKEN"
	KeyLogLevel          = "LOG_LEVEL"
	KeyLogFormat         = "LOG_FORMAT"
	KeyLogMaxBytes       = "LOG_MAX_BYTES"
	KeyOTLPEndpoint      = "OTEL_EXPORTER_OTLP_ENDPOINT"
	KeyEnvironment       = "ENVIRONMENT"
	KeyPreflightTools    = "PREFLIGHT_TOOLS"
)

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyScriptMaxBytes, 10<<20)
	v.SetDefault(KeyAllowStaleScript, true)
	v.SetDefault(KeyFetchTimeout, "60s")
	v.SetDefault(KeyFetchRetries, 0)
	v.SetDefault(KeyFetchRetryDelay, "2s")
	v.SetDefault(KeyFetchMinInterval, "0s")
	v.SetDefault(KeyMaxRuntime, "0")
	v.SetDefault(KeyKillGracePeriod, "10s")
	v.SetDefault(KeyRestartBaseDelay, "5s")
	v.SetDefault(KeyRestartMaxDelay, "5m")
	v.SetDefault(KeyMaxAttempts, 0)
	v.SetDefault(KeyDBDir, "/app/db")
	v.SetDefault(KeySrcDir, "/app/src")
	v.SetDefault(KeyTmpDir, "/app/tmp")
	v.SetDefault(KeyLogsDir, "/app/logs")
	v.SetDefault(KeyCreateMounts, false)
	v.SetDefault(KeyHistoryBackend, "file")
	v.SetDefault(KeyMetricsAddr, ":9091")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyLogMaxBytes, 50<<20)
	v.SetDefault(KeyEnvironment, "production")
}

// NewViper returns a viper instance bound to the process environment
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	return v
}

// Load builds a Config from v. It performs no filesystem checks; call
// Mounts.Check or Mounts.Ensure for that.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ScriptURL:         strings.TrimSpace(v.GetString(KeyScriptURL)),
		ScriptName:        strings.TrimSpace(v.GetString(KeyScriptName)),
		ScriptChecksum:    strings.TrimSpace(v.GetString(KeyScriptChecksum)),
		ScriptInterpreter: strings.TrimSpace(v.GetString(KeyScriptInterpreter)),
		ScriptAuthToken:   v.GetString(KeyScriptAuthToken),
		ScriptCAFile:      v.GetString(KeyScriptCAFile),
		ScriptClientCert:  v.GetString(KeyScriptClientCert),
		ScriptClientKey:   v.GetString(KeyScriptClientKey),
		AllowStaleScript:  v.GetBool(KeyAllowStaleScript),
		CreateMounts:      v.GetBool(KeyCreateMounts),
		HistoryBackend:    strings.ToLower(v.GetString(KeyHistoryBackend)),
		HistoryDSN:        v.GetString(KeyHistoryDSN),
		MetricsAddr:       v.GetString(KeyMetricsAddr),
		StatusToken:       v.GetString(KeyStatusToken),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFormat:         strings.ToLower(v.GetString(KeyLogFormat)),
		OTLPEndpoint:      v.GetString(KeyOTLPEndpoint),
		Environment:       v.GetString(KeyEnvironment),
		PassthroughEnv:    splitList(v.GetString(KeyPassthroughEnv)),
		PreflightTools:    splitList(v.GetString(KeyPreflightTools)),
		Mounts: PersistentMounts{
			DB:   v.GetString(KeyDBDir),
			Src:  v.GetString(KeySrcDir),
			Tmp:  v.GetString(KeyTmpDir),
			Logs: v.GetString(KeyLogsDir),
		},
	}

	if cfg.ScriptURL == "" {
		return nil, missing(KeyScriptURL)
	}
	u, err := url.Parse(cfg.ScriptURL)
	if err != nil {
		return nil, invalid(KeyScriptURL, err)
	}
	switch u.Scheme {
	case "http", "https", "file":
	default:
		return nil, invalid(KeyScriptURL, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	if cfg.ScriptName == "" {
		cfg.ScriptName = DefaultScriptName(u)
	}
	if strings.ContainsAny(cfg.ScriptName, `/\`) || strings.HasPrefix(cfg.ScriptName, ".") {
		return nil, invalid(KeyScriptName, fmt.Errorf("%q is not a plain file name", cfg.ScriptName))
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{KeyFetchTimeout, &cfg.FetchTimeout},
		{KeyFetchRetryDelay, &cfg.FetchRetryDelay},
		{KeyFetchMinInterval, &cfg.FetchMinInterval},
		{KeyMaxRuntime, &cfg.MaxRuntime},
		{KeyKillGracePeriod, &cfg.KillGracePeriod},
		{KeyRestartBaseDelay, &cfg.RestartBaseDelay},
		{KeyRestartMaxDelay, &cfg.RestartMaxDelay},
	}
	for _, d := range durations {
		val, err := ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, invalid(d.key, err)
		}
		*d.dst = val
	}

	ints := []struct {
		key string
		dst *int
	}{
		{KeyFetchRetries, &cfg.FetchRetries},
		{KeyMaxAttempts, &cfg.MaxAttempts},
		{KeyNice, &cfg.Nice},
		{KeyCPUQuotaPercent, &cfg.CPUQuotaPercent},
	}
	for _, i := range ints {
		val, err := parseInt(v.GetString(i.key))
		if err != nil {
			return nil, invalid(i.key, err)
		}
		*i.dst = int(val)
	}

	int64s := []struct {
		key string
		dst *int64
	}{
		{KeyScriptMaxBytes, &cfg.ScriptMaxBytes},
		{KeyMemoryLimitMB, &cfg.MemoryLimitMB},
		{KeyLogMaxBytes, &cfg.LogMaxBytes},
	}
	for _, i := range int64s {
		val, err := parseInt(v.GetString(i.key))
		if err != nil {
			return nil, invalid(i.key, err)
		}
		*i.dst = val
	}

	minFree, err := parseInt(v.GetString(KeyMinFreeMB))
	if err != nil || minFree < 0 {
		return nil, invalid(KeyMinFreeMB, fmt.Errorf("must be a non-negative integer"))
	}
	cfg.MinFreeMB = uint64(minFree)

	minFreeMem, err := parseInt(v.GetString(KeyMinFreeMemMB))
	if err != nil || minFreeMem < 0 {
		return nil, invalid(KeyMinFreeMemMB, fmt.Errorf("must be a non-negative integer"))
	}
	cfg.MinFreeMemMB = uint64(minFreeMem)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RestartBaseDelay <= 0 {
		return invalid(KeyRestartBaseDelay, fmt.Errorf("must be positive"))
	}
	if c.RestartMaxDelay < c.RestartBaseDelay {
		return invalid(KeyRestartMaxDelay, fmt.Errorf("must be >= %s (%s)", KeyRestartBaseDelay, c.RestartBaseDelay))
	}
	if c.FetchRetryDelay <= 0 {
		return invalid(KeyFetchRetryDelay, fmt.Errorf("must be positive"))
	}
	if c.MaxRuntime < 0 {
		return invalid(KeyMaxRuntime, fmt.Errorf("must not be negative"))
	}
	if c.FetchRetries < 0 || c.MaxAttempts < 0 {
		return invalid(KeyMaxAttempts, fmt.Errorf("counts must not be negative"))
	}
	if c.ScriptMaxBytes <= 0 {
		return invalid(KeyScriptMaxBytes, fmt.Errorf("must be positive"))
	}
	if c.Nice < -20 || c.Nice > 19 {
		return invalid(KeyNice, fmt.Errorf("must be between -20 and 19"))
	}
	if c.MemoryLimitMB < 0 || c.CPUQuotaPercent < 0 {
		return invalid(KeyMemoryLimitMB, fmt.Errorf("limits must not be negative"))
	}
	if (c.ScriptClientCert == "") != (c.ScriptClientKey == "") {
		return invalid(KeyScriptClientCert, fmt.Errorf("%s and %s must be set together", KeyScriptClientCert, KeyScriptClientKey))
	}
	switch c.HistoryBackend {
	case "file", "sqlite", "memory":
	case "postgres":
		if c.HistoryDSN == "" {
			return missing(KeyHistoryDSN)
		}
	default:
		return invalid(KeyHistoryBackend, fmt.Errorf("unknown backend %q", c.HistoryBackend))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return invalid(KeyLogFormat, fmt.Errorf("must be text or json"))
	}
	for _, name := range c.PassthroughEnv {
		if !envNamePattern.MatchString(name) {
			return invalid(KeyPassthroughEnv, fmt.Errorf("%q is not a variable name", name))
		}
	}
	if c.Mounts.DB == "" || c.Mounts.Src == "" || c.Mounts.Tmp == "" || c.Mounts.Logs == "" {
		return invalid(KeyLogsDir, fmt.Errorf("mount paths must not be empty"))
	}
	return nil
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DefaultScriptName derives the cache file name from the URL path
func DefaultScriptName(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || strings.HasPrefix(name, ".") {
		return "script"
	}
	return name
}

// ParseDuration accepts Go durations ("90s", "5m") and bare seconds ("30", "1.5")
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
