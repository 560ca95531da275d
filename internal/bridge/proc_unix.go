//go:build unix

package bridge

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcess puts the child in its own process group so that signals
// reach everything it spawns.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	err := unix.Kill(-p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// already gone
		return nil
	}
	return err
}

func terminateProcess(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func killProcess(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}
