//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// detach starts child in a new session so it has no controlling terminal
// and survives the shell that ran 'forest run --detach'. Setsid also
// makes it a process group leader.
func detach(child *exec.Cmd) {
	child.Stdin = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// interruptSignals end a foreground command.
func interruptSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}

// stopSignal asks the server to shut down cleanly, or kills it with force.
func stopSignal(force bool) syscall.Signal {
	if force {
		return syscall.SIGKILL
	}
	return syscall.SIGTERM
}
