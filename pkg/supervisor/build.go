package supervisor

import (
	"fmt"

	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/fetcher"
	"github.com/psantana5/script-supervisor/pkg/history"
	"github.com/psantana5/script-supervisor/pkg/logging"
	"github.com/psantana5/script-supervisor/pkg/sandbox"
)

// Prepare checks the mounts, creating them first when CREATE_MOUNTS is set.
// The returned error is always a *config.ConfigError.
func Prepare(cfg *config.Config) error {
	if cfg.CreateMounts {
		return cfg.Mounts.Ensure()
	}
	return cfg.Mounts.Check()
}

// FromConfig wires the fetcher, sandbox and history store described by cfg.
// The mounts must already be usable (see Prepare). The caller owns the
// returned supervisor's history store and must close it.
func FromConfig(cfg *config.Config, logger *logging.Logger) (*Supervisor, error) {
	f, err := fetcher.New(fetcher.OptionsFromConfig(cfg), logger)
	if err != nil {
		return nil, err
	}

	store, err := history.NewStore(history.ConfigFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}

	sb := sandbox.New(sandbox.OptionsFromConfig(cfg), logger)

	s, err := New(OptionsFromConfig(cfg), f, sb, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}
