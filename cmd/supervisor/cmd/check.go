package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/fetcher"
)

var checkCreate bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and persistent mounts",
	Long: `Check loads the configuration, verifies the fetch settings and checks that
DB_DIR, SRC_DIR, TMP_DIR and LOGS_DIR exist and are writable. It exits with
status 2 on any configuration error.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().BoolVar(&checkCreate, "create", false, "create missing mounts and repair permissions")
}

type mountStatus struct {
	Key         string `json:"key"`
	Path        string `json:"path"`
	Status      string `json:"status"`
	AvailableMB uint64 `json:"available_mb,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	if err := validateOutput(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newConsoleLogger("error")
	logger.SetOutput(os.Stderr)
	if _, err := fetcher.New(fetcher.OptionsFromConfig(cfg), logger); err != nil {
		return err
	}

	if checkCreate {
		if err := cfg.Mounts.Ensure(); err != nil {
			return err
		}
	}

	var mountErr error
	var statuses []mountStatus
	for _, mt := range cfg.Mounts.List() {
		st := mountStatus{Key: mt.Key, Path: mt.Path, Status: "ok"}
		if err := mt.Check(); err != nil {
			st.Status = "not writable"
			if mountErr == nil {
				mountErr = err
			}
		}
		if info, err := config.CheckDiskSpace(mt.Path); err == nil {
			st.AvailableMB = info.AvailableMB
			if cfg.MinFreeMB > 0 && info.AvailableMB < cfg.MinFreeMB && st.Status == "ok" {
				st.Status = "low disk space"
			}
		}
		statuses = append(statuses, st)
	}

	result := map[string]interface{}{
		"script_url":  cfg.ScriptURL,
		"script_name": cfg.ScriptName,
		"history":     cfg.HistoryBackend,
		"mounts":      statuses,
		"ok":          mountErr == nil,
	}
	if handled, err := printStructured(os.Stdout, result); handled {
		if err != nil {
			return err
		}
		return mountErr
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Mount", "Path", "Status", "Available")
	for _, st := range statuses {
		avail := "-"
		if st.AvailableMB > 0 {
			avail = strconv.FormatUint(st.AvailableMB, 10) + " MB"
		}
		table.Append(st.Key, st.Path, st.Status, avail)
	}
	table.Render()

	if mountErr != nil {
		return mountErr
	}
	fmt.Printf("\nConfiguration OK: %s -> %s (history: %s)\n", cfg.ScriptURL, cfg.ScriptName, cfg.HistoryBackend)
	return nil
}
