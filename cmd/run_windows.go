//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// detach keeps Ctrl+C in the launching console from reaching child.
func detach(child *exec.Cmd) {
	child.Stdin = nil
	child.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func interruptSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// stopSignal always kills: Windows cannot deliver SIGTERM to another
// process.
func stopSignal(bool) syscall.Signal {
	return syscall.SIGKILL
}
