//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
)

// Setpgid places the command in its own process group, so the command and
// every subprocess it spawns can be signaled as one unit.
func Setpgid(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// KillGroup sends SIGKILL to the process group led by pid. On Unix the
// group ID of a leader equals its PID; the negative PID addresses the
// whole group.
func KillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
