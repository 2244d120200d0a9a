package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandDetector runs a probe command (for example a CLI query against the
// fixture) that exits 0 once the fixture is usable. No shell is involved.
type CommandDetector struct {
	Args []string
	Env  []string
}

func (d CommandDetector) Alive(ctx context.Context) (bool, error) {
	if len(d.Args) == 0 {
		return false, errors.New("command detector has no command")
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, d.Args[0], d.Args[1:]...)
	if len(d.Env) > 0 {
		cmd.Env = d.Env
	}
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// non-zero exit code means not alive
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + strings.Join(d.Args, " ") }
