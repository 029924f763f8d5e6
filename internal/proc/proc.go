// Package proc inspects and signals operating system processes. Workers
// record the PID of the agent subprocess they are running; the stop and
// kill paths use these helpers to find and tear down processes whose
// orchestrator is gone.
package proc

import (
	"os"
	"syscall"
)

// Alive reports whether a process with the given PID exists. Signal 0
// checks existence without delivering anything; PIDs of zero or below are
// never alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
