//go:build unix

package packer

import (
	"os/exec"
	"syscall"
)

// isolate starts the tool in its own process group so that cancelling the job
// also kills the helpers it spawned.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
