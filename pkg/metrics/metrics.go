package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/psantana5/script-supervisor/pkg/models"
)

// Fetch results reported on supervisor_fetches_total
const (
	FetchFetched = "fetched" // new, unchanged or not modified
	FetchStale   = "stale"   // unreachable, last good cache reused
	FetchFailed  = "failed"
)

// Metrics holds the supervisor collectors. Each instance owns its registry so
// tests and multiple supervisors in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal               *prometheus.CounterVec
	fetchesTotal            *prometheus.CounterVec
	consecutiveFailures     prometheus.Gauge
	consecutiveFetchFailure prometheus.Gauge
	backoffSeconds          prometheus.Gauge
	phase                   *prometheus.GaugeVec
	runDuration             prometheus.Histogram
	lastRunTimestamp        prometheus.Gauge
	peakRSS                 prometheus.Gauge
}

// New creates and registers the supervisor collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supervisor_runs_total",
				Help: "Script executions by outcome",
			},
			[]string{"outcome"},
		),
		fetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supervisor_fetches_total",
				Help: "Script fetch cycles by result",
			},
			[]string{"result"},
		),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_consecutive_failures",
			Help: "Runs that ended without success since the last success",
		}),
		consecutiveFetchFailure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_consecutive_fetch_failures",
			Help: "Fetch cycles that failed since the last successful fetch",
		}),
		backoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_backoff_seconds",
			Help: "Length of the current or last backoff",
		}),
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "supervisor_phase",
				Help: "Current supervisor phase (1 for the active phase)",
			},
			[]string{"phase"},
		),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "supervisor_run_duration_seconds",
			Help:    "Wall time of script executions",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_last_run_timestamp_seconds",
			Help: "Unix time at which the last execution ended",
		}),
		peakRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_last_run_peak_rss_bytes",
			Help: "Peak resident memory of the last execution's process tree",
		}),
	}

	m.registry.MustRegister(
		m.runsTotal,
		m.fetchesTotal,
		m.consecutiveFailures,
		m.consecutiveFetchFailure,
		m.backoffSeconds,
		m.phase,
		m.runDuration,
		m.lastRunTimestamp,
		m.peakRSS,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Pre-create label values so every series is exported from the start
	for _, o := range []models.Outcome{models.OutcomeSuccess, models.OutcomeFailureExit, models.OutcomeCrashed, models.OutcomeTimeout} {
		m.runsTotal.WithLabelValues(string(o))
	}
	for _, r := range []string{FetchFetched, FetchStale, FetchFailed} {
		m.fetchesTotal.WithLabelValues(r)
	}
	m.SetPhase(models.PhaseStarting)

	return m
}

// Registry returns the private registry backing /metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetPhase marks p as the only active phase
func (m *Metrics) SetPhase(p models.Phase) {
	for _, phase := range models.AllPhases {
		v := 0.0
		if phase == p {
			v = 1
		}
		m.phase.WithLabelValues(string(phase)).Set(v)
	}
}

// ObserveFetch counts one fetch cycle
func (m *Metrics) ObserveFetch(result string) {
	m.fetchesTotal.WithLabelValues(result).Inc()
}

// ObserveRun records a sealed RunRecord
func (m *Metrics) ObserveRun(rec *models.RunRecord) {
	if rec == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(rec.Outcome)).Inc()
	m.runDuration.Observe(rec.Duration().Seconds())
	if !rec.EndedAt.IsZero() {
		m.lastRunTimestamp.Set(float64(rec.EndedAt.Unix()))
	}
	m.peakRSS.Set(float64(rec.PeakRSSBytes))
}

// ObserveState copies the failure counters from the supervisor state
func (m *Metrics) ObserveState(state models.SupervisorState) {
	m.consecutiveFailures.Set(float64(state.ConsecutiveFailures))
	m.consecutiveFetchFailure.Set(float64(state.ConsecutiveFetchFailures))
}

// SetBackoff records the delay of the backoff being entered
func (m *Metrics) SetBackoff(d time.Duration) {
	m.backoffSeconds.Set(d.Seconds())
}
