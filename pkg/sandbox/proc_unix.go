//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// killGroup puts the child in its own process group and kills the whole
// group on cancellation, so build scripts cannot leave children behind.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
