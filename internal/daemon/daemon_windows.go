//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Windows; probe with a zero signal.
	return proc.Signal(syscall.Signal(0)) == nil
}

// Signal sends sig to the recorded daemon. Only os.Kill is reliable on
// Windows.
func (f *File) Signal(sig syscall.Signal) error {
	rec, ok := f.Running()
	if !ok {
		return ErrNotRunning
	}
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", rec.PID, err)
	}
	return proc.Signal(sig)
}
