package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/script-supervisor/pkg/fetcher"
	"github.com/psantana5/script-supervisor/pkg/supervisor"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one fetch cycle and print the cached script source",
	Long: `Fetch resolves SCRIPT_URL once, validates the content and updates the cache in
SRC_DIR atomically. On failure the cache is left untouched and the command
exits non-zero.`,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	if err := validateOutput(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := supervisor.Prepare(cfg); err != nil {
		return err
	}

	logger := newConsoleLogger(cfg.LogLevel)
	logger.SetOutput(os.Stderr)

	f, err := fetcher.New(fetcher.OptionsFromConfig(cfg), logger)
	if err != nil {
		return err
	}

	src, err := f.Fetch(cmd.Context())
	if err != nil {
		return fmt.Errorf("fetch failed (%s): %w", fetcher.KindOf(err), err)
	}

	if handled, err := printStructured(os.Stdout, src); handled {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("URL", src.URL)
	table.Append("Cached Path", src.CachedPath)
	table.Append("Checksum", src.Checksum)
	table.Append("Size", fmt.Sprintf("%d bytes", src.Size))
	table.Append("Fetched At", src.FetchedAt.Format(time.RFC3339))
	if src.ETag != "" {
		table.Append("ETag", src.ETag)
	}
	if src.LastModified != "" {
		table.Append("Last-Modified", src.LastModified)
	}
	table.Render()
	return nil
}
