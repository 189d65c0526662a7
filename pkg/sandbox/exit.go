package sandbox

import (
	"fmt"
	"os"
	"syscall"

	"github.com/psantana5/script-supervisor/pkg/models"
)

// ExitStatus is the classified end of a child process
type ExitStatus struct {
	Outcome  models.Outcome
	ExitCode *int
	Signal   string
}

// Classify maps a finished process to an outcome. A nil state means the
// process never started or its status was lost.
func Classify(state *os.ProcessState, timedOut bool) ExitStatus {
	var st ExitStatus
	switch {
	case state == nil:
		st.Outcome = models.OutcomeCrashed
	default:
		ws, ok := state.Sys().(syscall.WaitStatus)
		switch {
		case ok && ws.Signaled():
			st.Outcome = models.OutcomeCrashed
			st.Signal = SignalName(ws.Signal())
		case state.ExitCode() == 0:
			st.Outcome = models.OutcomeSuccess
			st.ExitCode = models.IntPtr(0)
		case state.ExitCode() > 0:
			st.Outcome = models.OutcomeFailureExit
			st.ExitCode = models.IntPtr(state.ExitCode())
		default:
			st.Outcome = models.OutcomeCrashed
		}
	}
	if timedOut {
		st.Outcome = models.OutcomeTimeout
	}
	return st
}

// SignalName returns the signal name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGBUS:
		return "SIGBUS"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	case syscall.SIGXCPU:
		return "SIGXCPU"
	case syscall.SIGXFSZ:
		return "SIGXFSZ"
	default:
		return fmt.Sprintf("SIG%d", sig)
	}
}
