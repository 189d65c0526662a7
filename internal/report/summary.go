package report

import (
	"fmt"
	"time"

	"github.com/psantana5/script-supervisor/pkg/logging"
	"github.com/psantana5/script-supervisor/pkg/models"
)

// Summary renders the one-line record of an attempt. This is what ops grep
// for in supervisor.log.
func Summary(r *models.RunRecord) string {
	signal := ""
	if r.Signal != "" {
		signal = fmt.Sprintf(" | signal=%s", r.Signal)
	}
	interrupted := ""
	if r.Interrupted {
		interrupted = " | interrupted"
	}
	return fmt.Sprintf("RUN attempt=%d | outcome=%s | exit=%s%s | runtime=%.1fs | started=%s | ended=%s | checksum=%s | stale=%t%s",
		r.Attempt,
		r.Outcome,
		r.ExitCodeString(),
		signal,
		r.Duration().Seconds(),
		r.StartedAt.UTC().Format(time.RFC3339),
		r.EndedAt.UTC().Format(time.RFC3339),
		r.Checksum,
		r.StaleScript,
		interrupted,
	)
}

// LogSummary writes the summary line at INFO for successes and WARN otherwise
func LogSummary(logger *logging.Logger, r *models.RunRecord) {
	fields := logging.Fields{
		"attempt": r.Attempt,
		"outcome": string(r.Outcome),
		"run_id":  r.ID,
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	if r.Outcome.IsSuccess() {
		logger.Info(Summary(r), fields)
		return
	}
	logger.Warn(Summary(r), fields)
}
