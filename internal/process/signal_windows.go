//go:build windows

package process

import "os/exec"

// terminate has no graceful equivalent on Windows; the process is killed.
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
