package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/script-supervisor/internal/report"
	"github.com/psantana5/script-supervisor/pkg/auth"
	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/history"
	"github.com/psantana5/script-supervisor/pkg/logging"
	"github.com/psantana5/script-supervisor/pkg/models"
)

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func sealed(t *testing.T, attempt int, outcome models.Outcome, code int) *models.RunRecord {
	t.Helper()
	rec := models.NewRunRecord(attempt, &models.ScriptSource{Checksum: "blake3:00"})
	rec.StartedAt = rec.StartedAt.Add(-2 * time.Second)
	require.NoError(t, rec.Seal(outcome, models.IntPtr(code)))
	return rec
}

func TestSetPhase_OneHot(t *testing.T) {
	m := New()
	m.SetPhase(models.PhaseBackoff)

	fam := gather(t, m)["supervisor_phase"]
	require.NotNil(t, fam)
	require.Len(t, fam.GetMetric(), len(models.AllPhases))

	active := 0
	for _, metric := range fam.GetMetric() {
		if metric.GetGauge().GetValue() == 1 {
			active++
			assert.Equal(t, string(models.PhaseBackoff), labelValue(metric, "phase"))
		}
	}
	assert.Equal(t, 1, active)
}

func TestObserveRunAndState(t *testing.T) {
	m := New()
	m.ObserveRun(sealed(t, 1, models.OutcomeFailureExit, 1))
	m.ObserveRun(sealed(t, 2, models.OutcomeSuccess, 0))
	m.ObserveRun(sealed(t, 3, models.OutcomeFailureExit, 2))
	m.ObserveFetch(FetchFailed)
	m.ObserveState(models.SupervisorState{ConsecutiveFailures: 1, ConsecutiveFetchFailures: 4})
	m.SetBackoff(1500 * time.Millisecond)

	fams := gather(t, m)

	runs := map[string]float64{}
	for _, metric := range fams["supervisor_runs_total"].GetMetric() {
		runs[labelValue(metric, "outcome")] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, runs["failure_exit"])
	assert.Equal(t, 1.0, runs["success"])
	assert.Equal(t, 0.0, runs["timeout"])

	assert.Equal(t, 1.0, fams["supervisor_consecutive_failures"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 4.0, fams["supervisor_consecutive_fetch_failures"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 1.5, fams["supervisor_backoff_seconds"].GetMetric()[0].GetGauge().GetValue())

	hist := fams["supervisor_run_duration_seconds"].GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(3), hist.GetSampleCount())
	assert.Greater(t, fams["supervisor_last_run_timestamp_seconds"].GetMetric()[0].GetGauge().GetValue(), 0.0)
}

func TestTextExposition(t *testing.T) {
	m := New()
	m.ObserveFetch(FetchFetched)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, f := range families {
		require.NoError(t, enc.Encode(f))
	}
	out := buf.String()
	assert.Contains(t, out, `supervisor_fetches_total{result="fetched"} 1`)
	assert.Contains(t, out, `supervisor_fetches_total{result="failed"} 0`)
	assert.Contains(t, out, "# TYPE supervisor_run_duration_seconds histogram")
}

func testServer(t *testing.T, mounts config.PersistentMounts) (*Server, *history.MemoryStore, *report.FailureLog) {
	t.Helper()
	store := history.NewMemoryStore()
	failures := report.NewFailureLog(10)
	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(&bytes.Buffer{})

	state := models.SupervisorState{Phase: models.PhaseExecuting, Attempt: 7, ConsecutiveFailures: 2}
	srv := NewServer(ServerOptions{
		Addr:     "127.0.0.1:0",
		Mounts:   mounts,
		State:    func() models.SupervisorState { return state },
		History:  store,
		Failures: failures,
	}, New(), logger)
	return srv, store, failures
}

func testMounts(t *testing.T) config.PersistentMounts {
	root := t.TempDir()
	m := config.PersistentMounts{
		DB:   filepath.Join(root, "db"),
		Src:  filepath.Join(root, "src"),
		Tmp:  filepath.Join(root, "tmp"),
		Logs: filepath.Join(root, "logs"),
	}
	require.NoError(t, m.Ensure())
	return m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestServer_Endpoints(t *testing.T) {
	srv, store, failures := testServer(t, testMounts(t))
	h := srv.Handler()

	ctx := context.Background()
	first := sealed(t, 1, models.OutcomeTimeout, -1)
	second := sealed(t, 2, models.OutcomeSuccess, 0)
	require.NoError(t, store.Append(ctx, first))
	require.NoError(t, store.Append(ctx, second))
	failures.Record(first)
	failures.Record(second)

	tests := []struct {
		name     string
		path     string
		wantCode int
		contains string
	}{
		{"health", "/health", http.StatusOK, `"status":"healthy"`},
		{"ready", "/ready", http.StatusOK, `"status":"ready"`},
		{"metrics", "/metrics", http.StatusOK, "supervisor_phase"},
		{"state", "/state", http.StatusOK, `"attempt":7`},
		{"runs", "/runs", http.StatusOK, `"outcome":"success"`},
		{"runs bad limit", "/runs?limit=abc", http.StatusBadRequest, "invalid limit"},
		{"failures", "/runs/failures", http.StatusOK, `"total":1`},
		{"unknown", "/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := get(t, h, tt.path)
			assert.Equal(t, tt.wantCode, rr.Code)
			if tt.contains != "" {
				assert.Contains(t, rr.Body.String(), tt.contains)
			}
		})
	}
}

func TestServer_RunsNewestFirstWithLimit(t *testing.T) {
	srv, store, _ := testServer(t, testMounts(t))
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Append(context.Background(), sealed(t, i, models.OutcomeSuccess, 0)))
	}

	rr := get(t, srv.Handler(), "/runs?limit=2")
	require.Equal(t, http.StatusOK, rr.Code)

	var runs []models.RunRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, 3, runs[0].Attempt)
	assert.Equal(t, 2, runs[1].Attempt)
}

func TestServer_NotReadyWhenMountMissing(t *testing.T) {
	mounts := testMounts(t)
	mounts.Tmp = filepath.Join(t.TempDir(), "missing")
	srv, _, _ := testServer(t, mounts)

	rr := get(t, srv.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.True(t, strings.Contains(body.Checks["mounts"], config.KeyTmpDir))
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv, _, _ := testServer(t, testMounts(t))
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestServer_BearerAuth(t *testing.T) {
	verifier, err := auth.NewTokenVerifier("s3cret")
	require.NoError(t, err)

	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(&bytes.Buffer{})
	srv := NewServer(ServerOptions{
		Mounts:  testMounts(t),
		History: history.NewMemoryStore(),
		State:   func() models.SupervisorState { return models.SupervisorState{} },
		Auth:    verifier,
	}, New(), logger)
	h := srv.Handler()

	tests := []struct {
		name     string
		path     string
		token    string
		wantCode int
	}{
		{"health open", "/health", "", http.StatusOK},
		{"metrics open", "/metrics", "", http.StatusOK},
		{"runs without token", "/runs", "", http.StatusUnauthorized},
		{"runs wrong token", "/runs", "nope", http.StatusUnauthorized},
		{"runs with token", "/runs", "s3cret", http.StatusOK},
		{"state with token", "/state", "s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.wantCode, rr.Code)
		})
	}
}

func TestServer_ReadyChecksHistoryConnection(t *testing.T) {
	mounts := testMounts(t)
	store, err := history.NewSQLiteStore(filepath.Join(mounts.RunsDir(), "history.db"))
	require.NoError(t, err)

	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(&bytes.Buffer{})
	srv := NewServer(ServerOptions{Mounts: mounts, History: store}, New(), logger)

	rr := get(t, srv.Handler(), "/ready")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"history":"ok"`)

	require.NoError(t, store.Close())
	rr = get(t, srv.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "database is closed")
}

func TestServer_ReadyMemoryThreshold(t *testing.T) {
	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(&bytes.Buffer{})
	srv := NewServer(ServerOptions{Mounts: testMounts(t), MinFreeMemMB: 1 << 40}, New(), logger)

	rr := get(t, srv.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"memory":`)
}
