//go:build windows

package worker

import "os/exec"

func configureProcess(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// waitProcess reaps cmd. Windows has no process groups to settle.
func waitProcess(cmd *exec.Cmd, _ func()) error {
	return cmd.Wait()
}
