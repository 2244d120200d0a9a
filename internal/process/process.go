package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/loykin/nodefixture/internal/metrics"
)

// tailOnError is how many output lines readiness errors carry.
const tailOnError = 20

// Process supervises one child process: it starts it, captures its output
// into a Tail, waits for log patterns, and tears it down gracefully or by
// force. At most one child is live per Process.
type Process struct {
	spec Spec

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	tail      *Tail
	done      chan struct{} // closed by the reaper once the child is reaped
	exitErr   error
	startedAt time.Time
	stoppedAt time.Time
	starts    int
}

// New creates a Process for spec. Nothing is spawned until Start.
func New(spec Spec) *Process {
	return &Process{spec: spec, tail: NewTail(spec.tailLines())}
}

// Spec returns the spec the process was created with.
func (p *Process) Spec() Spec { return p.spec }

// Name returns the fixture name.
func (p *Process) Name() string { return p.spec.Name }

// Start spawns the child and returns once it is running. Output is drained
// in the background into the tail buffer (and log files when configured).
// A spawn failure leaves the handle in its previous state.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning || p.state == StateStopping {
		return fmt.Errorf("%s: %w (pid %d)", p.spec.Name, ErrAlreadyStarted, p.cmd.Process.Pid)
	}

	cmd := p.spec.BuildCommand()
	tail := NewTail(p.spec.tailLines())
	outF, errF, err := p.spec.Log.ProcessWriters(p.spec.Name)
	if err != nil {
		return &StartError{Name: p.spec.Name, Path: p.spec.Path, Err: err}
	}
	stdout := &lineWriter{tail: tail}
	stderr := &lineWriter{tail: tail}
	if outF != nil {
		stdout.file = outF
	}
	if errF != nil {
		stderr.file = errF
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		closeAll(outF, errF)
		return &StartError{Name: p.spec.Name, Path: p.spec.Path, Err: err}
	}

	prev := p.state
	p.cmd = cmd
	p.tail = tail
	p.done = make(chan struct{})
	p.exitErr = nil
	p.startedAt = time.Now()
	p.stoppedAt = time.Time{}
	p.starts++
	p.state = StateRunning
	go p.reap(cmd, p.done, stdout, stderr, outF, errF)

	metrics.IncStart(p.spec.Name)
	metrics.RecordStateTransition(p.spec.Name, prev.String(), StateRunning.String())
	metrics.SetRunning(p.spec.Name, true)
	slog.Debug("fixture process started", "name", p.spec.Name, "pid", cmd.Process.Pid, "cmd", strings.Join(p.spec.CommandLine(), " "))
	return nil
}

// reap waits for the child, flushes captured output and publishes the exit.
// exec's WaitDelay bounds how long output copying may outlive the child.
func (p *Process) reap(cmd *exec.Cmd, done chan struct{}, stdout, stderr *lineWriter, files ...io.WriteCloser) {
	err := cmd.Wait()
	stdout.flush()
	stderr.flush()
	closeAll(files...)

	p.mu.Lock()
	prev := p.state
	p.state = StateStopped
	p.exitErr = err
	p.stoppedAt = time.Now()
	p.mu.Unlock()
	close(done)

	metrics.RecordStateTransition(p.spec.Name, prev.String(), StateStopped.String())
	metrics.SetRunning(p.spec.Name, false)
	if prev == StateStopping {
		slog.Debug("fixture process stopped", "name", p.spec.Name, "pid", cmd.Process.Pid, "exit", errString(err))
	} else {
		slog.Warn("fixture process exited unexpectedly", "name", p.spec.Name, "pid", cmd.Process.Pid, "exit", errString(err))
	}
}

// WaitForLog blocks until a captured output line contains pattern, timeout
// elapses (NotReadyError), ctx is cancelled, or the process exits
// (ExitedError). Lines emitted before the call count.
func (p *Process) WaitForLog(ctx context.Context, pattern string, timeout time.Duration) error {
	return p.waitFor(ctx, pattern, timeout, func(line string) bool {
		return strings.Contains(line, pattern)
	})
}

// WaitForRegexp is WaitForLog with a regular expression.
func (p *Process) WaitForRegexp(ctx context.Context, re *regexp.Regexp, timeout time.Duration) error {
	return p.waitFor(ctx, re.String(), timeout, re.MatchString)
}

func (p *Process) waitFor(ctx context.Context, desc string, timeout time.Duration, match func(string) bool) error {
	p.mu.Lock()
	tail, done, state := p.tail, p.done, p.state
	p.mu.Unlock()
	if state == StateNotStarted || done == nil {
		return fmt.Errorf("%s: wait for %q: %w", p.spec.Name, desc, ErrNotStarted)
	}

	begin := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	next := 0
	for {
		found, resume, changed := tail.scan(next, match)
		if found {
			metrics.ObserveReadyWait(p.spec.Name, time.Since(begin).Seconds())
			return nil
		}
		next = resume
		select {
		case <-changed:
		case <-done:
			// output is flushed before done closes; one last look
			if found, _, _ := tail.scan(next, match); found {
				return nil
			}
			return &ExitedError{Name: p.spec.Name, Pattern: desc, ExitErr: p.ExitErr(), Tail: tail.Last(tailOnError)}
		case <-timer.C:
			return &NotReadyError{Name: p.spec.Name, Pattern: desc, Timeout: timeout, Tail: tail.Last(tailOnError)}
		case <-ctx.Done():
			return fmt.Errorf("%s: wait for %q: %w", p.spec.Name, desc, ctx.Err())
		}
	}
}

// Stop asks the process group to terminate and waits up to the spec's stop
// timeout. It is a no-op when nothing is running. On timeout the process is
// left running and ErrStopTimeout is returned; Cleanup escalates from there.
func (p *Process) Stop() error {
	p.mu.Lock()
	if p.state != StateRunning && p.state != StateStopping {
		p.mu.Unlock()
		return nil
	}
	cmd, done := p.cmd, p.done
	if p.state == StateRunning {
		p.state = StateStopping
		metrics.RecordStateTransition(p.spec.Name, StateRunning.String(), StateStopping.String())
	}
	p.mu.Unlock()

	if err := terminate(cmd); err != nil {
		slog.Debug("terminate signal failed", "name", p.spec.Name, "error", err)
	}
	wait := p.spec.stopTimeout()
	select {
	case <-done:
		metrics.IncStop(p.spec.Name)
		return nil
	case <-time.After(wait):
		return fmt.Errorf("%s (pid %d): %w after %s", p.spec.Name, cmd.Process.Pid, ErrStopTimeout, wait)
	}
}

// Kill sends SIGKILL to the process group and blocks until the child has
// been reaped. It is a no-op when nothing is running.
func (p *Process) Kill() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	if err := kill(cmd); err != nil {
		// the group signal can fail when the leader already exited; the
		// direct kill is the last resort
		if kerr := cmd.Process.Kill(); kerr != nil {
			select {
			case <-done:
				return nil
			default:
			}
			return &TeardownError{Name: p.spec.Name, PID: cmd.Process.Pid, Err: errors.Join(err, kerr)}
		}
	}
	<-done
	metrics.IncKill(p.spec.Name)
	slog.Debug("fixture process killed", "name", p.spec.Name, "pid", cmd.Process.Pid)
	return nil
}

// Cleanup stops the process gracefully and falls back to Kill when Stop
// fails or the child is still alive. Only a failed kill is returned. Safe to
// call any number of times.
func (p *Process) Cleanup() error {
	stopErr := p.Stop()
	if stopErr == nil && !p.Running() {
		return nil
	}
	if stopErr != nil {
		slog.Warn("graceful stop failed, killing", "name", p.spec.Name, "error", stopErr)
	}
	if err := p.Kill(); err != nil {
		var te *TeardownError
		if errors.As(err, &te) {
			return te
		}
		return &TeardownError{Name: p.spec.Name, PID: p.PID(), Err: err}
	}
	return nil
}

// Running reports whether a child is live (Running or Stopping).
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateRunning || p.state == StateStopping
}

// State returns the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PID returns the pid of the current or last child, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done returns a channel closed when the current child has been reaped. It
// is nil before the first Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// ExitErr returns the error from the last reaped child.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Logs returns every retained output line of the current (or last) child.
func (p *Process) Logs() []string {
	p.mu.Lock()
	t := p.tail
	p.mu.Unlock()
	return t.Lines()
}

// Tail returns the last n retained output lines.
func (p *Process) Tail(n int) []string {
	p.mu.Lock()
	t := p.tail
	p.mu.Unlock()
	return t.Last(n)
}

// Status returns a snapshot of the process.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Name:      p.spec.Name,
		State:     p.state.String(),
		Running:   p.state == StateRunning || p.state == StateStopping,
		StartedAt: p.startedAt,
		StoppedAt: p.stoppedAt,
		ExitErr:   errString(p.exitErr),
		Starts:    p.starts,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		st.PID = p.cmd.Process.Pid
	}
	return st
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
