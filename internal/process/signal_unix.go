//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// terminate sends SIGTERM to the child's process group so helpers it
// spawned go down with it.
func terminate(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

// kill sends SIGKILL to the child's process group.
func kill(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		// not a group leader (or already gone): signal the pid alone
		return syscall.Kill(pid, sig)
	}
	return nil
}
