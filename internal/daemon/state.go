// Package daemon tracks the background generation service through a state
// file holding its PID and listen port.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrAlreadyRunning is returned by Acquire when a live service owns the file.
var ErrAlreadyRunning = errors.New("service already running")

// State is what a running service records about itself.
type State struct {
	PID       int       `yaml:"pid"`
	Port      int       `yaml:"port"`
	LogFile   string    `yaml:"log_file,omitempty"`
	StartedAt time.Time `yaml:"started_at"`
}

// StateFile manages the service state file.
type StateFile struct {
	Path string
}

// NewStateFile creates a StateFile for the given path.
func NewStateFile(path string) *StateFile {
	return &StateFile{Path: path}
}

// Write records st, creating the parent directory if needed.
func (f *StateFile) Write(st State) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode service state: %w", err)
	}
	return os.WriteFile(f.Path, data, 0o644)
}

// Read loads the recorded state.
func (f *StateFile) Read() (State, error) {
	var st State
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return st, err
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("invalid service state file: %w", err)
	}
	if st.PID <= 0 {
		return st, fmt.Errorf("invalid service state file: missing pid")
	}
	return st, nil
}

// Remove deletes the state file. A missing file is not an error.
func (f *StateFile) Remove() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Acquire records the current process as the service. A stale file left by
// a dead process is replaced.
func (f *StateFile) Acquire(port int, logFile string) error {
	if st, running := f.IsRunning(); running && st.PID != os.Getpid() {
		return fmt.Errorf("%w (pid %d, port %d)", ErrAlreadyRunning, st.PID, st.Port)
	}
	return f.Write(State{
		PID:       os.Getpid(),
		Port:      port,
		LogFile:   logFile,
		StartedAt: time.Now().UTC(),
	})
}
