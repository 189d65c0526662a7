package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/preflight"
)

var preflightStrict bool

var preflightCmd = &cobra.Command{
	Use:   "preflight [tool ...]",
	Short: "Check that the tools the script needs answer --version",
	Long: `Preflight runs "<tool> --version" with a 5 second timeout for each tool given
as an argument or listed in PREFLIGHT_TOOLS. Alternatives are separated by "|",
for example "google-chrome|chromium". Nothing is installed or configured.`,
	Example: `  supervisor preflight python3 chromedriver "google-chrome|chromium"
  PREFLIGHT_TOOLS=python3,geckodriver supervisor preflight --strict`,
	RunE: runPreflight,
}

func init() {
	rootCmd.AddCommand(preflightCmd)

	preflightCmd.Flags().BoolVar(&preflightStrict, "strict", false, "exit non-zero when any tool is missing or fails")
}

func runPreflight(cmd *cobra.Command, args []string) error {
	if err := validateOutput(); err != nil {
		return err
	}

	tools := args
	if len(tools) == 0 {
		for _, t := range strings.Split(v.GetString(config.KeyPreflightTools), ",") {
			if t = strings.TrimSpace(t); t != "" {
				tools = append(tools, t)
			}
		}
	}
	if len(tools) == 0 {
		return fmt.Errorf("no tools given and %s is empty", config.KeyPreflightTools)
	}

	results := preflight.Check(cmd.Context(), tools)

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}

	if handled, err := printStructured(os.Stdout, results); !handled {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Tool", "Command", "Status", "Version / Error")
		for _, r := range results {
			detail := r.Version
			if !r.OK() {
				detail = r.Error
			}
			table.Append(r.Name, r.Command, string(r.Status), detail)
		}
		table.Render()
	} else if err != nil {
		return err
	}

	if failed > 0 && preflightStrict {
		return fmt.Errorf("%d of %d tools unavailable", failed, len(results))
	}
	return nil
}
