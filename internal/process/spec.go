package process

import (
	"os/exec"
	"time"

	"github.com/loykin/nodefixture/internal/logger"
)

// Defaults applied when the corresponding Spec field is zero.
const (
	DefaultStopTimeout = 10 * time.Second
	DefaultTailLines   = 10000
	DefaultWaitDelay   = 2 * time.Second
)

// Spec describes a fixture process to be supervised.
type Spec struct {
	Name        string        `json:"name"`
	Path        string        `json:"path"`         // executable; resolved through PATH when it has no separator
	Args        []string      `json:"args"`         // arguments after the executable
	WorkDir     string        `json:"work_dir"`     // optional working dir
	Env         []string      `json:"env"`          // full child environment; nil inherits the harness environment
	StopTimeout time.Duration `json:"stop_timeout"` // grace period after SIGTERM before Stop gives up
	TailLines   int           `json:"tail_lines"`   // lines of output kept in memory
	Log         logger.Config `json:"-"`            // optional on-disk copy of stdout/stderr
}

func (s Spec) stopTimeout() time.Duration {
	if s.StopTimeout <= 0 {
		return DefaultStopTimeout
	}
	return s.StopTimeout
}

func (s Spec) tailLines() int {
	if s.TailLines <= 0 {
		return DefaultTailLines
	}
	return s.TailLines
}

// CommandLine returns the executable followed by its arguments.
func (s Spec) CommandLine() []string {
	return append([]string{s.Path}, s.Args...)
}

// BuildCommand constructs the *exec.Cmd for this spec. No shell is involved:
// the argument list is passed to the executable as is.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	cmd.WaitDelay = DefaultWaitDelay
	configureSysProcAttr(cmd)
	return cmd
}
