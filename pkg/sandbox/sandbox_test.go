package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/script-supervisor/internal/cgroups"
	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/models"
)

func testMounts(t *testing.T) config.PersistentMounts {
	t.Helper()
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

func writeScript(t *testing.T, m config.PersistentMounts, name, body string) *models.ScriptSource {
	t.Helper()
	path := filepath.Join(m.Src, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return &models.ScriptSource{URL: "file://" + path, CachedPath: path, Checksum: "blake3:test"}
}

func newTestSandbox(m config.PersistentMounts, mutate ...func(*Options)) *Sandbox {
	opts := Options{
		Mounts:          m,
		KillGracePeriod: 500 * time.Millisecond,
		Environ: func() []string {
			return []string{"PATH=/usr/bin:/bin", "HOME=/root", "SECRET_TOKEN=hunter2", "USE_XVFB=true", "PJE_USER=alice"}
		},
		SampleInterval: 20 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return New(opts, nil)
}

func readLog(t *testing.T, rec *models.RunRecord) string {
	t.Helper()
	data, err := os.ReadFile(rec.LogPath)
	require.NoError(t, err)
	return string(data)
}

func TestRun_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		outcome  models.Outcome
		exitCode string
		signal   string
	}{
		{"success", "#!/bin/sh\necho done\nexit 0\n", models.OutcomeSuccess, "0", ""},
		{"failure exit", "#!/bin/sh\necho oops >&2\nexit 1\n", models.OutcomeFailureExit, "1", ""},
		{"other exit code", "#!/bin/sh\nexit 42\n", models.OutcomeFailureExit, "42", ""},
		{"killed by signal", "#!/bin/sh\nkill -9 $$\n", models.OutcomeCrashed, "-", "SIGKILL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMounts(t)
			src := writeScript(t, m, "job.sh", tt.body)

			rec := newTestSandbox(m).Run(context.Background(), src, 1)

			assert.True(t, rec.Sealed)
			assert.Equal(t, tt.outcome, rec.Outcome)
			assert.Equal(t, tt.exitCode, rec.ExitCodeString())
			assert.Equal(t, tt.signal, rec.Signal)
			assert.False(t, rec.Interrupted)
			assert.Equal(t, filepath.Join(m.RunsDir(), "run-1.log"), rec.LogPath)
			assert.NotZero(t, rec.PID)
		})
	}
}

func TestRun_CapturesStreams(t *testing.T) {
	m := testMounts(t)
	src := writeScript(t, m, "job.sh", "#!/bin/sh\necho to-out\necho to-err >&2\nprintf partial\n")

	rec := newTestSandbox(m).Run(context.Background(), src, 3)
	require.Equal(t, models.OutcomeSuccess, rec.Outcome)

	out := readLog(t, rec)
	assert.Contains(t, out, "[stdout] to-out")
	assert.Contains(t, out, "[stderr] to-err")
	assert.Contains(t, out, "[stdout] partial")
	assert.Contains(t, out, "attempt 3 finished: outcome=success")
}

func TestRun_TimeoutKeepsOutputUntilTermination(t *testing.T) {
	m := testMounts(t)
	src := writeScript(t, m, "slow.sh", "#!/bin/sh\necho before-timeout\nsleep 30\necho after-sleep\n")

	start := time.Now()
	rec := newTestSandbox(m, func(o *Options) { o.MaxRuntime = 300 * time.Millisecond }).Run(context.Background(), src, 1)

	assert.Equal(t, models.OutcomeTimeout, rec.Outcome)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Contains(t, rec.Error, "timeout")

	out := readLog(t, rec)
	assert.Contains(t, out, "before-timeout")
	assert.NotContains(t, out, "after-sleep")
	assert.Contains(t, out, "SIGTERM")
}

func TestRun_TimeoutEscalatesToKill(t *testing.T) {
	m := testMounts(t)
	src := writeScript(t, m, "stubborn.sh", "#!/bin/sh\ntrap '' TERM\necho ignoring-term\nsleep 30\n")

	start := time.Now()
	rec := newTestSandbox(m, func(o *Options) {
		o.MaxRuntime = 200 * time.Millisecond
		o.KillGracePeriod = 200 * time.Millisecond
	}).Run(context.Background(), src, 1)

	assert.Equal(t, models.OutcomeTimeout, rec.Outcome)
	assert.Less(t, time.Since(start), 10*time.Second)
	out := readLog(t, rec)
	assert.Contains(t, out, "ignoring-term")
	assert.Contains(t, out, "SIGKILL")
}

func TestRun_CancelMarksInterrupted(t *testing.T) {
	m := testMounts(t)
	src := writeScript(t, m, "long.sh", "#!/bin/sh\nsleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	rec := newTestSandbox(m).Run(ctx, src, 5)
	assert.True(t, rec.Interrupted)
	assert.Equal(t, models.OutcomeCrashed, rec.Outcome)
	assert.Equal(t, "SIGTERM", rec.Signal)
}

func TestRun_MinimalEnvironmentAndWorkingDir(t *testing.T) {
	m := testMounts(t)
	src := writeScript(t, m, "env.sh", `#!/bin/sh
echo "cwd=$(pwd)"
echo "attempt=$RUN_ATTEMPT"
echo "db=$DB_DIR"
echo "script=$SCRIPT_PATH"
echo "secret=${SECRET_TOKEN:-unset}"
echo "xvfb=${USE_XVFB:-unset}"
echo "user=${PJE_USER:-unset}"
echo "runid=$RUN_ID"
`)

	rec := newTestSandbox(m, func(o *Options) { o.PassthroughEnv = []string{"PJE_USER"} }).Run(context.Background(), src, 9)
	require.Equal(t, models.OutcomeSuccess, rec.Outcome)

	out := readLog(t, rec)
	tmp, err := filepath.EvalSymlinks(m.Tmp)
	require.NoError(t, err)
	assert.Contains(t, out, "cwd="+tmp)
	assert.Contains(t, out, "attempt=9")
	assert.Contains(t, out, "db="+m.DB)
	assert.Contains(t, out, "script="+src.CachedPath)
	assert.Contains(t, out, "secret=unset")
	assert.Contains(t, out, "xvfb=true")
	assert.Contains(t, out, "user=alice")
	assert.Contains(t, out, "runid="+rec.ID)
}

func TestRun_StartFailureIsCrashed(t *testing.T) {
	m := testMounts(t)
	src := writeScript(t, m, "job.sh", "echo hi\n")

	rec := newTestSandbox(m, func(o *Options) { o.Interpreter = "/nonexistent/interpreter" }).Run(context.Background(), src, 2)

	assert.Equal(t, models.OutcomeCrashed, rec.Outcome)
	assert.Nil(t, rec.ExitCode)
	assert.Contains(t, rec.Error, "failed to start")
	assert.True(t, strings.Contains(readLog(t, rec), "failed to start"))
}

func TestRun_NoUsableScript(t *testing.T) {
	m := testMounts(t)
	rec := newTestSandbox(m).Run(context.Background(), nil, 1)
	assert.True(t, rec.Sealed)
	assert.Equal(t, models.OutcomeCrashed, rec.Outcome)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	m := testMounts(t)
	src := writeScript(t, m, "job.sh", "#!/bin/sh\nexit 0\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := newTestSandbox(m).Run(ctx, src, 1)
	assert.True(t, rec.Interrupted)
	assert.Equal(t, models.OutcomeCrashed, rec.Outcome)
	assert.Zero(t, rec.PID)
}

func TestRun_CgroupLimitsBestEffort(t *testing.T) {
	m := testMounts(t)
	src := writeScript(t, m, "job.sh", "#!/bin/sh\nexit 0\n")
	root := t.TempDir()

	sb := newTestSandbox(m, func(o *Options) { o.MemoryLimitMB = 64 }).
		WithCgroupManager(cgroups.NewWithRoot(root, 2))
	rec := sb.Run(context.Background(), src, 1)

	assert.Equal(t, models.OutcomeSuccess, rec.Outcome)
	data, err := os.ReadFile(filepath.Join(root, "script-supervisor", rec.ID, "memory.max"))
	require.NoError(t, err)
	assert.Equal(t, "67108864", string(data))
}
