package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/script-supervisor/pkg/history"
	"github.com/psantana5/script-supervisor/pkg/models"
)

var (
	historyLimit    int
	historyFailures bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs, newest first",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show (0 = all)")
	historyCmd.Flags().BoolVar(&historyFailures, "failures", false, "only show runs that did not succeed")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if err := validateOutput(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := history.NewStore(history.ConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	defer store.Close()

	limit := historyLimit
	if historyFailures {
		// Filter after reading so --limit counts failures
		limit = 0
	}
	runs, err := store.List(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to read run history: %w", err)
	}
	if historyFailures {
		runs = history.Failures(runs)
		if historyLimit > 0 && len(runs) > historyLimit {
			runs = runs[:historyLimit]
		}
	}
	if runs == nil {
		runs = []*models.RunRecord{}
	}

	if handled, err := printStructured(os.Stdout, runs); handled {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Attempt", "Started", "Runtime", "Outcome", "Exit", "Signal", "Checksum", "Stale", "Peak RSS")
	for _, r := range runs {
		table.Append(
			strconv.Itoa(r.Attempt),
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration().Round(100*time.Millisecond).String(),
			outcomeLabel(r),
			r.ExitCodeString(),
			orDash(r.Signal),
			shortChecksum(r.Checksum),
			fmt.Sprintf("%t", r.StaleScript),
			formatBytes(r.PeakRSSBytes),
		)
	}
	table.Render()
	return nil
}

func outcomeLabel(r *models.RunRecord) string {
	if r.Interrupted {
		return string(r.Outcome) + " (stopped)"
	}
	return string(r.Outcome)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatBytes(b uint64) string {
	if b == 0 {
		return "-"
	}
	const mb = 1024 * 1024
	return fmt.Sprintf("%.1f MB", float64(b)/mb)
}
