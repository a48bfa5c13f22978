//go:build !linux && !windows

package worker

import "os/exec"

// waitProcess reaps cmd first and only then settles. Without waitid's
// WNOWAIT the group is probed before the exit-time kill; a pid recycled
// between the reap and the probe is not detected.
func waitProcess(cmd *exec.Cmd, settle func()) error {
	err := cmd.Wait()
	settleIfGroupAlive(cmd, settle)
	return err
}
