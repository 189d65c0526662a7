package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/logging"
	"github.com/psantana5/script-supervisor/pkg/models"
	"github.com/psantana5/script-supervisor/pkg/ratelimit"
	"github.com/psantana5/script-supervisor/pkg/retry"
	tlsutil "github.com/psantana5/script-supervisor/pkg/tls"
)

// Options configures a Fetcher
type Options struct {
	URL         string
	Name        string // cache file name in Dir
	Dir         string // src mount
	Checksum    string // pinned "algo:hex", optional
	MaxBytes    int64
	Timeout     time.Duration
	Retries     int
	RetryDelay  time.Duration
	MinInterval time.Duration
	AuthToken   string
	CAFile      string
	ClientCert  string
	ClientKey   string
}

// OptionsFromConfig maps the supervisor configuration to fetcher options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:         cfg.ScriptURL,
		Name:        cfg.ScriptName,
		Dir:         cfg.Mounts.Src,
		Checksum:    cfg.ScriptChecksum,
		MaxBytes:    cfg.ScriptMaxBytes,
		Timeout:     cfg.FetchTimeout,
		Retries:     cfg.FetchRetries,
		RetryDelay:  cfg.FetchRetryDelay,
		MinInterval: cfg.FetchMinInterval,
		AuthToken:   cfg.ScriptAuthToken,
		CAFile:      cfg.ScriptCAFile,
		ClientCert:  cfg.ScriptClientCert,
		ClientKey:   cfg.ScriptClientKey,
	}
}

// Fetcher downloads the remote script, validates it and keeps the last good
// copy in the src mount
type Fetcher struct {
	opts     Options
	url      *url.URL
	pin      *Pin
	client   *http.Client
	cache    *Cache
	throttle *ratelimit.Throttle
	logger   *logging.Logger
}

// New creates a Fetcher. Malformed options are reported as ConfigError.
func New(opts Options, logger *logging.Logger) (*Fetcher, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, &config.ConfigError{Kind: config.InvalidValue, Key: config.KeyScriptURL, Err: err}
	}
	pin, err := ParsePin(opts.Checksum)
	if err != nil {
		return nil, &config.ConfigError{Kind: config.InvalidValue, Key: config.KeyScriptChecksum, Err: err}
	}
	if opts.Name == "" {
		opts.Name = config.DefaultScriptName(u)
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsutil.Enabled(opts.ClientCert, opts.ClientKey, opts.CAFile) {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(opts.ClientCert, opts.ClientKey, opts.CAFile)
		if err != nil {
			return nil, &config.ConfigError{Kind: config.InvalidValue, Key: config.KeyScriptCAFile, Err: err}
		}
		transport.TLSClientConfig = tlsConfig
	}

	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}

	return &Fetcher{
		opts:     opts,
		url:      u,
		pin:      pin,
		client:   &http.Client{Transport: transport},
		cache:    NewCache(opts.Dir, opts.Name),
		throttle: ratelimit.NewThrottle(opts.MinInterval),
		logger:   logger.WithField("component", "fetcher"),
	}, nil
}

// Cached returns the last good source from the src mount, if any
func (f *Fetcher) Cached() (*models.ScriptSource, bool) {
	return f.cache.Load()
}

// Fetch resolves the script, validates it and updates the cache atomically.
// On any error the cache is left exactly as it was.
func (f *Fetcher) Fetch(ctx context.Context) (*models.ScriptSource, error) {
	if err := f.throttle.Wait(ctx); err != nil {
		return nil, f.fail(Unreachable, fmt.Errorf("throttle: %w", err))
	}

	cached, hasCache := f.cache.Load()

	var (
		data []byte
		resp *response
	)
	retryCfg := retry.Config{
		MaxRetries:     f.opts.Retries,
		InitialBackoff: f.opts.RetryDelay,
		MaxBackoff:     f.opts.Timeout,
		Multiplier:     2.0,
	}
	err := retry.Do(ctx, retryCfg, func() error {
		var err error
		data, resp, err = f.download(ctx, cached)
		if err != nil && !IsUnreachable(err) {
			return retry.Permanent(err)
		}
		if err != nil {
			f.logger.Warn("Fetch attempt failed", logging.Fields{"error": err.Error()})
		}
		return err
	})
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, f.fail(Unreachable, err)
	}

	if resp.notModified {
		if !hasCache {
			return nil, f.fail(InvalidContent, fmt.Errorf("304 without a cached copy"))
		}
		f.logger.Debug("Script not modified", logging.Fields{"checksum": cached.Checksum})
		return cached, nil
	}

	if err := Validate(data, f.opts.Name); err != nil {
		return nil, f.fail(InvalidContent, err)
	}
	if err := f.pin.Verify(data); err != nil {
		return nil, f.fail(InvalidContent, err)
	}

	src := &models.ScriptSource{
		URL:          f.opts.URL,
		CachedPath:   f.cache.ScriptPath(),
		Checksum:     Digest(data),
		Size:         int64(len(data)),
		FetchedAt:    time.Now().UTC(),
		ETag:         resp.etag,
		LastModified: resp.lastModified,
	}
	unchanged := hasCache && cached.Checksum == src.Checksum

	if err := f.cache.Store(data, src, unchanged); err != nil {
		return nil, f.fail(WriteFailure, err)
	}

	if unchanged {
		f.logger.Debug("Script unchanged", logging.Fields{"checksum": src.Checksum})
	} else {
		f.logger.Info("Script updated", logging.Fields{
			"checksum": src.Checksum,
			"size":     src.Size,
			"path":     src.CachedPath,
		})
	}
	return src, nil
}

func (f *Fetcher) fail(kind ErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, URL: f.opts.URL, Err: err}
}

type response struct {
	notModified  bool
	etag         string
	lastModified string
}

func (f *Fetcher) download(ctx context.Context, cached *models.ScriptSource) ([]byte, *response, error) {
	if f.url.Scheme == "file" {
		return f.readLocal()
	}

	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.URL, nil)
	if err != nil {
		return nil, nil, f.fail(InvalidContent, err)
	}
	req.Header.Set("User-Agent", "script-supervisor")
	if f.opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.opts.AuthToken)
	}
	if cached != nil {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, f.fail(Unreachable, err)
	}
	defer resp.Body.Close()

	meta := &response{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		meta.notModified = true
		return nil, meta, nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, nil, f.fail(Unreachable, fmt.Errorf("%w %d", ErrUnexpectedCode, resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, nil, f.fail(InvalidContent, fmt.Errorf("%w %d", ErrUnexpectedCode, resp.StatusCode))
	}

	data, err := f.readLimited(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return data, meta, nil
}

func (f *Fetcher) readLocal() ([]byte, *response, error) {
	file, err := os.Open(f.url.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, f.fail(InvalidContent, err)
		}
		return nil, nil, f.fail(Unreachable, err)
	}
	defer file.Close()

	data, err := f.readLimited(file)
	if err != nil {
		return nil, nil, err
	}
	return data, &response{}, nil
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.opts.MaxBytes+1))
	if err != nil {
		return nil, f.fail(Unreachable, fmt.Errorf("read body: %w", err))
	}
	if int64(len(data)) > f.opts.MaxBytes {
		return nil, f.fail(InvalidContent, fmt.Errorf("%w of %d bytes", ErrTooLarge, f.opts.MaxBytes))
	}
	return data, nil
}
