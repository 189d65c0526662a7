package sandbox

import (
	"os"
	"syscall"
	"time"
)

// terminate stops the child's process group: SIGTERM, then SIGKILL if it
// has not exited within grace. done is closed when the child has exited.
// It reports whether SIGTERM was enough.
func terminate(proc *os.Process, grace time.Duration, done <-chan struct{}, note func(string, ...interface{})) bool {
	pgid, err := syscall.Getpgid(proc.Pid)
	if err != nil {
		// Already reaped or never grouped: kill just the process
		proc.Kill()
		return false
	}

	note("sending SIGTERM to process group %d", pgid)
	syscall.Kill(-pgid, syscall.SIGTERM)

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case <-done:
		return true
	case <-graceTimer.C:
		note("process group %d still running after %s, sending SIGKILL", pgid, grace)
		syscall.Kill(-pgid, syscall.SIGKILL)
		return false
	}
}
