//go:build linux

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the agent in its own process group and asks the kernel to
// SIGTERM it if the bridge dies.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
