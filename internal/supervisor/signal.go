package supervisor

import (
	"os"
	"syscall"
)

// signalGroup delivers sig to the whole process group of p.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	return syscall.Kill(-p.Pid, sig)
}
