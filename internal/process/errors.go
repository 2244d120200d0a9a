package process

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyStarted is returned by Start while a process is live.
	ErrAlreadyStarted = errors.New("process already started")
	// ErrNotStarted is returned by waits on a handle that was never started.
	ErrNotStarted = errors.New("process not started")
	// ErrNotReady marks readiness timeouts: the process is up but never
	// reached a usable state in time.
	ErrNotReady = errors.New("fixture did not become ready")
	// ErrExited marks a process that exited while a caller waited on it.
	ErrExited = errors.New("process exited")
	// ErrStopTimeout is returned by Stop when the grace period elapses.
	ErrStopTimeout = errors.New("process did not stop within grace period")
)

// StartError reports a failed spawn.
type StartError struct {
	Name string
	Path string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s (%s): %v", e.Name, e.Path, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// NotReadyError reports that the readiness pattern did not appear in time.
// Tail holds the last lines of output for the failure message.
type NotReadyError struct {
	Name    string
	Pattern string
	Timeout time.Duration
	Tail    []string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s: %v: %q not seen within %s%s", e.Name, ErrNotReady, e.Pattern, e.Timeout, formatTail(e.Tail))
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// ExitedError reports that the process exited before the awaited pattern.
type ExitedError struct {
	Name    string
	Pattern string
	ExitErr error
	Tail    []string
}

func (e *ExitedError) Error() string {
	status := "exit status 0"
	if e.ExitErr != nil {
		status = e.ExitErr.Error()
	}
	return fmt.Sprintf("%s: %v (%s) before %q appeared%s", e.Name, ErrExited, status, e.Pattern, formatTail(e.Tail))
}

func (e *ExitedError) Is(target error) bool { return target == ErrExited }

func (e *ExitedError) Unwrap() error { return e.ExitErr }

// TeardownError reports a failed forced kill. The process may still be
// alive, which leaks an OS process.
type TeardownError struct {
	Name string
	PID  int
	Err  error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown %s (pid %d): %v", e.Name, e.PID, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

func formatTail(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return "\n--- last output ---\n" + strings.Join(lines, "\n")
}
