//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

func processAlive(pid int) bool {
	// Signal 0 tests if the process exists without sending a signal.
	return syscall.Kill(pid, 0) == nil
}

// Signal sends sig to the recorded daemon.
func (f *File) Signal(sig syscall.Signal) error {
	rec, ok := f.Running()
	if !ok {
		return ErrNotRunning
	}
	if err := syscall.Kill(rec.PID, sig); err != nil {
		return fmt.Errorf("signal pid %d: %w", rec.PID, err)
	}
	return nil
}
