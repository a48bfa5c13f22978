//go:build linux

package worker

import (
	"errors"
	"os/exec"

	"golang.org/x/sys/unix"
)

// waitProcess waits for cmd to exit, runs settle while the exited leader is
// still an unreaped zombie, then reaps it with cmd.Wait.
func waitProcess(cmd *exec.Cmd, settle func()) error {
	if err := waitExited(cmd.Process.Pid); err != nil {
		err = cmd.Wait()
		settleIfGroupAlive(cmd, settle)
		return err
	}
	settle()
	return cmd.Wait()
}

// waitExited blocks until pid has exited without reaping it.
func waitExited(pid int) error {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
