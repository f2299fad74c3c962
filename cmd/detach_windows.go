//go:build windows

package cmd

import (
	"os"
	"os/exec"
)

// detach is a no-op on Windows.
func detach(_ *exec.Cmd) {}

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
