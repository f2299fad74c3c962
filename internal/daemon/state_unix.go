//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

// IsRunning reads the state file and reports whether its process is alive.
func (f *StateFile) IsRunning() (State, bool) {
	st, err := f.Read()
	if err != nil {
		return st, false
	}
	// Signal 0 tests if the process exists without sending a signal.
	err = syscall.Kill(st.PID, 0)
	return st, err == nil
}

// Terminate asks the recorded process to shut down gracefully.
func (f *StateFile) Terminate() error { return f.Signal(syscall.SIGTERM) }

// Kill stops the recorded process immediately.
func (f *StateFile) Kill() error { return f.Signal(syscall.SIGKILL) }

// Signal sends sig to the recorded process.
func (f *StateFile) Signal(sig syscall.Signal) error {
	st, err := f.Read()
	if err != nil {
		return fmt.Errorf("read service state: %w", err)
	}
	return syscall.Kill(st.PID, sig)
}
