//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// IsRunning reads the state file and reports whether its process is alive.
func (f *StateFile) IsRunning() (State, bool) {
	st, err := f.Read()
	if err != nil {
		return st, false
	}
	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return st, false
	}
	// FindProcess always succeeds on Windows.
	err = proc.Signal(syscall.Signal(0))
	return st, err == nil
}

// Terminate stops the recorded process. Windows has no graceful signal.
func (f *StateFile) Terminate() error { return f.Kill() }

// Kill stops the recorded process immediately.
func (f *StateFile) Kill() error {
	st, err := f.Read()
	if err != nil {
		return fmt.Errorf("read service state: %w", err)
	}
	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", st.PID, err)
	}
	return proc.Kill()
}

// Signal sends sig to the recorded process.
func (f *StateFile) Signal(sig syscall.Signal) error {
	st, err := f.Read()
	if err != nil {
		return fmt.Errorf("read service state: %w", err)
	}
	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", st.PID, err)
	}
	return proc.Signal(sig)
}
