package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/psantana5/script-supervisor/pkg/models"
)

const goodScript = "#!/usr/bin/env python3\nprint('hello')\n"

// scriptServer serves body with the given status and counts requests
type scriptServer struct {
	status   atomic.Int32
	body     atomic.Value
	requests atomic.Int32
	etag     string

	// failFirst requests answer 503 before status applies
	failFirst int32
}

func newScriptServer(t *testing.T, body string, opts ...func(*scriptServer)) (*scriptServer, *httptest.Server) {
	s := &scriptServer{}
	for _, o := range opts {
		o(s)
	}
	s.status.Store(http.StatusOK)
	s.body.Store(body)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n := s.requests.Add(1); n <= s.failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if s.etag != "" {
			if r.Header.Get("If-None-Match") == s.etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", s.etag)
		}
		w.WriteHeader(int(s.status.Load()))
		w.Write([]byte(s.body.Load().(string)))
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func newTestFetcher(t *testing.T, url string, mutate ...func(*Options)) (*Fetcher, string) {
	dir := t.TempDir()
	opts := Options{
		URL:        url + "/robot.py",
		Name:       "robot.py",
		Dir:        dir,
		MaxBytes:   1 << 20,
		Timeout:    5 * time.Second,
		RetryDelay: time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f, err := New(opts, nil)
	require.NoError(t, err)
	return f, dir
}

func TestFetch_Success(t *testing.T) {
	_, srv := newScriptServer(t, goodScript)
	f, dir := newTestFetcher(t, srv.URL)

	src, err := f.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "robot.py"), src.CachedPath)
	assert.Equal(t, Digest([]byte(goodScript)), src.Checksum)
	assert.Equal(t, int64(len(goodScript)), src.Size)
	assert.False(t, src.Stale)

	data, err := os.ReadFile(src.CachedPath)
	require.NoError(t, err)
	assert.Equal(t, goodScript, string(data))

	info, err := os.Stat(src.CachedPath)
	require.NoError(t, err)
	assert.Equal(t, ScriptMode, info.Mode().Perm())

	cached, ok := f.Cached()
	require.True(t, ok)
	assert.Equal(t, src.Checksum, cached.Checksum)
}

func TestFetch_InvalidContentLeavesCacheUntouched(t *testing.T) {
	s, srv := newScriptServer(t, goodScript)
	f, _ := newTestFetcher(t, srv.URL)

	first, err := f.Fetch(context.Background())
	require.NoError(t, err)

	bad := []string{
		"<!DOCTYPE html><html><body>Login</body></html>",
		"",
		"print('a')\x00",
		"def f():\n    \"\"\"never closed\n",
	}
	for _, body := range bad {
		s.body.Store(body)
		_, err := f.Fetch(context.Background())
		require.Error(t, err, "body %q", body)
		assert.True(t, IsInvalidContent(err), "body %q: %v", body, err)

		data, err := os.ReadFile(first.CachedPath)
		require.NoError(t, err)
		assert.Equal(t, goodScript, string(data))

		cached, ok := f.Cached()
		require.True(t, ok)
		assert.Equal(t, first.Checksum, cached.Checksum)
	}

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Dir(first.CachedPath))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFetch_Idempotent(t *testing.T) {
	_, srv := newScriptServer(t, goodScript)
	f, _ := newTestFetcher(t, srv.URL)

	first, err := f.Fetch(context.Background())
	require.NoError(t, err)
	before, err := os.Stat(first.CachedPath)
	require.NoError(t, err)

	second, err := f.Fetch(context.Background())
	require.NoError(t, err)
	after, err := os.Stat(second.CachedPath)
	require.NoError(t, err)

	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.CachedPath, second.CachedPath)
	assert.Equal(t, before.ModTime(), after.ModTime(), "unchanged script must not be rewritten")
}

func TestFetch_NotModified(t *testing.T) {
	_, srv := newScriptServer(t, goodScript, func(s *scriptServer) { s.etag = `"v1"` })
	f, _ := newTestFetcher(t, srv.URL)

	first, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, first.ETag)

	second, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.FetchedAt.Unix(), second.FetchedAt.Unix())
}

func TestFetch_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   ErrorKind
	}{
		{"server error", http.StatusInternalServerError, Unreachable},
		{"bad gateway", http.StatusBadGateway, Unreachable},
		{"rate limited", http.StatusTooManyRequests, Unreachable},
		{"not found", http.StatusNotFound, InvalidContent},
		{"forbidden", http.StatusForbidden, InvalidContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, srv := newScriptServer(t, goodScript)
			s.status.Store(int32(tt.status))
			f, _ := newTestFetcher(t, srv.URL)

			_, err := f.Fetch(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestFetch_TransportFailureIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f, _ := newTestFetcher(t, url)
	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
	_, ok := f.Cached()
	assert.False(t, ok)
}

func TestFetch_RetriesTransientErrors(t *testing.T) {
	s, srv := newScriptServer(t, goodScript, func(s *scriptServer) { s.failFirst = 2 })
	f, _ := newTestFetcher(t, srv.URL, func(o *Options) { o.Retries = 3 })

	_, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), s.requests.Load())
}

func TestFetch_NoRetryOnInvalidContent(t *testing.T) {
	s, srv := newScriptServer(t, goodScript)
	s.status.Store(http.StatusNotFound)
	f, _ := newTestFetcher(t, srv.URL, func(o *Options) { o.Retries = 3 })

	_, err := f.Fetch(context.Background())
	assert.True(t, IsInvalidContent(err))
	assert.Equal(t, int32(1), s.requests.Load())
}

func TestFetch_SizeLimit(t *testing.T) {
	_, srv := newScriptServer(t, goodScript)
	f, _ := newTestFetcher(t, srv.URL, func(o *Options) { o.MaxBytes = 8 })

	_, err := f.Fetch(context.Background())
	assert.True(t, IsInvalidContent(err))
}

func TestFetch_PinnedChecksum(t *testing.T) {
	_, srv := newScriptServer(t, goodScript)
	sum := sha256.Sum256([]byte(goodScript))

	f, _ := newTestFetcher(t, srv.URL, func(o *Options) { o.Checksum = "sha256:" + hex.EncodeToString(sum[:]) })
	_, err := f.Fetch(context.Background())
	require.NoError(t, err)

	other := sha256.Sum256([]byte("something else"))
	f, _ = newTestFetcher(t, srv.URL, func(o *Options) { o.Checksum = "sha256:" + hex.EncodeToString(other[:]) })
	_, err = f.Fetch(context.Background())
	assert.True(t, IsInvalidContent(err))
}

func TestFetch_BearerToken(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		w.Write([]byte(goodScript))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL, func(o *Options) { o.AuthToken = "s3cret" })
	_, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", got.Load())
}

func TestFetch_FileURL(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "job.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\necho hi\n"), 0o644))

	f, err := New(Options{URL: "file://" + scriptPath, Dir: t.TempDir()}, nil)
	require.NoError(t, err)

	src, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job.sh", filepath.Base(src.CachedPath))

	f, err = New(Options{URL: "file://" + filepath.Join(dir, "absent.sh"), Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background())
	assert.True(t, IsInvalidContent(err))
}

func TestFetch_WriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	_, srv := newScriptServer(t, goodScript)
	f, dir := newTestFetcher(t, srv.URL)
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	_, err := f.Fetch(context.Background())
	assert.True(t, IsWriteFailure(err))
}

// limitFileSize caps regular file writes for the rest of the test. Go
// ignores SIGXFSZ, so oversized writes fail with EFBIG.
func limitFileSize(t *testing.T, max uint64) {
	t.Helper()
	var old unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_FSIZE, &old))
	require.NoError(t, unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: max, Max: old.Max}))
	t.Cleanup(func() { unix.Setrlimit(unix.RLIMIT_FSIZE, &old) })
}

func TestFetch_MetadataWriteFailureKeepsLastGoodCopy(t *testing.T) {
	s, srv := newScriptServer(t, goodScript)
	f, dir := newTestFetcher(t, srv.URL)

	first, err := f.Fetch(context.Background())
	require.NoError(t, err)

	// The new script fits under the limit, its metadata does not
	s.body.Store("#!/usr/bin/env python3\nprint('v2')\n")
	limitFileSize(t, 100)

	_, err = f.Fetch(context.Background())
	require.True(t, IsWriteFailure(err), "got %v", err)

	data, err := os.ReadFile(first.CachedPath)
	require.NoError(t, err)
	assert.Equal(t, goodScript, string(data))

	cached, ok := f.Cached()
	require.True(t, ok, "last good copy must stay usable")
	assert.Equal(t, first.Checksum, cached.Checksum)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{MetadataFile, "robot.py"}, names, "staging files must be cleaned up")
}

func TestCache_StoreStagingNames(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir, "robot.py")
	src := &models.ScriptSource{CachedPath: c.ScriptPath(), Checksum: Digest([]byte(goodScript))}
	require.NoError(t, c.Store([]byte(goodScript), src, false))

	assert.Equal(t, ".robot.py", tempPrefix("robot.py"))
	assert.Equal(t, ".script.json", tempPrefix(MetadataFile))

	loaded, ok := c.Load()
	require.True(t, ok)
	assert.Equal(t, src.Checksum, loaded.Checksum)
}

func TestCached_DetectsTampering(t *testing.T) {
	_, srv := newScriptServer(t, goodScript)
	f, _ := newTestFetcher(t, srv.URL)

	src, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src.CachedPath, []byte("echo tampered\n"), 0o755))

	_, ok := f.Cached()
	assert.False(t, ok)
}

func TestNew_RejectsBadChecksum(t *testing.T) {
	_, err := New(Options{URL: "https://example.com/a.py", Dir: t.TempDir(), Checksum: "md5:abcd"}, nil)
	assert.Error(t, err)
}
