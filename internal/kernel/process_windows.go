//go:build windows

package kernel

import (
	"fmt"
	"os/exec"
	"strings"
)

// setupProcessGroup is a no-op on Windows; taskkill /T handles the tree.
func setupProcessGroup(cmd *exec.Cmd) {}

// terminateProcess has no graceful signal on Windows; kill directly.
func terminateProcess(cmd *exec.Cmd) error {
	return killProcessGroup(cmd)
}

// killProcessGroup kills the kernel process tree via taskkill, falling back
// to killing the single process.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	killCmd := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", cmd.Process.Pid))
	if err := killCmd.Run(); err == nil {
		return nil
	}

	if err := cmd.Process.Kill(); err != nil {
		if !strings.Contains(err.Error(), "process already finished") {
			return err
		}
	}
	return nil
}
