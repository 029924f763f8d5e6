//go:build windows

package proc

import "os/exec"

// Setpgid is a no-op on Windows, which uses job objects instead of POSIX
// process groups.
func Setpgid(cmd *exec.Cmd) {
}

// KillGroup kills nothing on Windows; without process groups the best
// effort is letting the direct child die with its pipes.
func KillGroup(pid int) error {
	return nil
}
