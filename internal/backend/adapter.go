package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/nodefixture/internal/config"
	"github.com/loykin/nodefixture/internal/detector"
	"github.com/loykin/nodefixture/internal/electrum"
	"github.com/loykin/nodefixture/internal/history"
	"github.com/loykin/nodefixture/internal/metrics"
	"github.com/loykin/nodefixture/internal/ports"
	"github.com/loykin/nodefixture/internal/process"
)

// clientName is sent in server.version.
const clientName = "nodefixture"

// Adapter runs one backend process configured by a Variant. Construction
// writes the configuration; Startup spawns the process and waits until it
// serves.
type Adapter struct {
	variant  Variant
	opts     Options
	name     string
	port     int
	reserved bool // port is held in the process-wide pool until Close
	workDir  string
	confPath string
	params   config.Params
	proc     *process.Process

	mu     sync.Mutex
	client *electrum.Client
}

// NewAdapter reserves the listen port (a free one when o.Port is 0, else
// o.Port itself, failing with ports.ErrInUse when another fixture holds it),
// creates the working directory <Dir>/<network>, and writes the variant's
// configuration file into it. A failure leaves no reserved port and no
// partial file.
func NewAdapter(o Options, v Variant) (*Adapter, error) {
	name := o.Name
	if name == "" {
		name = v.Name()
	}
	fail := func(err error) (*Adapter, error) {
		return nil, &PhaseError{Fixture: name, Phase: PhaseConfig, Err: err}
	}

	var errs []error
	if o.NodeDir == "" {
		errs = append(errs, errors.New("node directory is required"))
	}
	if o.Dir == "" {
		errs = append(errs, errors.New("storage directory is required"))
	}
	if o.NodeRPCPort <= 0 || o.NodeP2PPort <= 0 {
		errs = append(errs, fmt.Errorf("node ports must be positive, got rpc=%d p2p=%d", o.NodeRPCPort, o.NodeP2PPort))
	}
	if o.Executable == "" {
		errs = append(errs, errors.New("executable is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fail(err)
	}

	a := &Adapter{variant: v, opts: o, name: name, port: o.Port}
	if a.port == 0 {
		p, err := ports.Reserve()
		if err != nil {
			return fail(err)
		}
		a.port = p
	} else if err := ports.Claim(a.port); err != nil {
		return fail(err)
	}
	a.reserved = true

	network := o.network()
	a.workDir = filepath.Join(o.Dir, network)
	a.confPath = filepath.Join(a.workDir, v.ConfigFileName())
	a.params = v.Params(Layout{
		NodeDir:     o.NodeDir,
		NodeRPCAddr: loopback(o.NodeRPCPort),
		NodeP2PAddr: loopback(o.NodeP2PPort),
		Dir:         o.Dir,
		Network:     network,
		ListenAddr:  a.Addr(),
	})
	if err := a.params.Require(v.RequiredKeys()...); err != nil {
		a.releasePort()
		return fail(err)
	}
	if err := os.MkdirAll(a.workDir, 0o750); err != nil {
		a.releasePort()
		return fail(fmt.Errorf("create working dir %s: %w", a.workDir, err))
	}
	if err := config.WriteParams(a.confPath, a.params); err != nil {
		a.releasePort()
		return fail(err)
	}

	a.proc = process.New(process.Spec{
		Name:        name,
		Path:        o.Executable,
		Args:        []string{"--conf", a.confPath},
		Env:         o.Env,
		StopTimeout: o.StopTimeout,
		Log:         o.Log,
	})
	slog.Debug("fixture configured", "name", name, "conf", a.confPath, "addr", a.Addr())
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

// Addr is the loopback listen address of the backend.
func (a *Adapter) Addr() string { return loopback(a.port) }

// Port is the listen port.
func (a *Adapter) Port() int { return a.port }

// ConfPath is the written configuration file.
func (a *Adapter) ConfPath() string { return a.confPath }

// WorkDir is <Dir>/<network>.
func (a *Adapter) WorkDir() string { return a.workDir }

// Params returns the rendered configuration entries.
func (a *Adapter) Params() config.Params { return append(config.Params(nil), a.params...) }

// CommandLine is the executable followed by its arguments.
func (a *Adapter) CommandLine() []string { return a.proc.Spec().CommandLine() }

// Process exposes the supervisor for log inspection.
func (a *Adapter) Process() *process.Process { return a.proc }

// Start spawns the backend without waiting for readiness.
func (a *Adapter) Start() error {
	if err := a.proc.Start(); err != nil {
		return err
	}
	history.Record(context.Background(), a.opts.History, history.Event{Type: history.EventStart, Fixture: a.name, PID: a.proc.PID(), Addr: a.Addr()})
	return nil
}

// Startup starts the backend and blocks until it is ready: the readiness
// log line (when one applies), then the liveness/port/command probe, then
// the version check when MinVersion is set. Every failure path tears the
// process this call spawned down before returning a *PhaseError; a backend
// that is already running is left as is.
func (a *Adapter) Startup(ctx context.Context) (err error) {
	// a live process belongs to whoever started it; leave it alone
	startErr := a.Start()
	if errors.Is(startErr, process.ErrAlreadyStarted) {
		return &PhaseError{Fixture: a.name, Phase: PhaseSpawn, Err: startErr}
	}

	phase := PhaseSpawn
	defer func() {
		if err == nil {
			return
		}
		if cerr := a.Cleanup(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		metrics.IncStartupFailure(a.name, phase)
		history.Record(ctx, a.opts.History, history.Event{Type: history.EventFail, Fixture: a.name, Phase: phase, Error: err.Error()})
		err = &PhaseError{Fixture: a.name, Phase: phase, Err: err}
	}()

	if startErr != nil {
		return startErr
	}

	timeout := a.opts.readyTimeout()
	deadline := time.Now().Add(timeout)

	phase = PhaseReady
	if pattern := a.readyPattern(); pattern != "" {
		if err := a.proc.WaitForLog(ctx, pattern, timeout); err != nil {
			return err
		}
	}

	// the probe and version check share what is left of the budget
	rctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	phase = PhaseProbe
	if err := a.probe(rctx); err != nil {
		return err
	}

	phase = PhaseVersion
	if a.opts.MinVersion != "" {
		if err := a.checkVersion(rctx); err != nil {
			return err
		}
	}

	slog.Info("fixture ready", "name", a.name, "addr", a.Addr(), "pid", a.proc.PID())
	history.Record(ctx, a.opts.History, history.Event{Type: history.EventReady, Fixture: a.name, PID: a.proc.PID(), Addr: a.Addr()})
	return nil
}

func (a *Adapter) readyPattern() string {
	if a.opts.ReadyPattern != "" {
		return a.opts.ReadyPattern
	}
	return a.variant.ReadyPattern()
}

// probe waits until the process is alive, the listen port accepts
// connections and the ready command (if any) succeeds, failing early when
// the process exits.
func (a *Adapter) probe(ctx context.Context) error {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := a.proc.Done()
	go func() {
		select {
		case <-done:
			cancel()
		case <-pctx.Done():
		}
	}()
	d := detector.All{
		detector.PIDDetector{PID: a.proc.PID()},
		detector.PortDetector{Addr: a.Addr()},
	}
	if len(a.opts.ReadyCommand) > 0 {
		d = append(d, detector.CommandDetector{Args: a.opts.ReadyCommand, Env: a.opts.Env})
	}
	err := detector.Wait(pctx, d, detector.DefaultInterval)
	if err == nil {
		return nil
	}
	select {
	case <-done:
		return &process.ExitedError{Name: a.name, Pattern: d.Describe(), ExitErr: a.proc.ExitErr(), Tail: a.proc.Tail(20)}
	default:
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &process.NotReadyError{Name: a.name, Pattern: d.Describe(), Timeout: a.opts.readyTimeout(), Tail: a.proc.Tail(20)}
	}
	return err
}

func (a *Adapter) checkVersion(ctx context.Context) error {
	software, _, err := a.Client().ServerVersion(ctx, clientName, "")
	if err != nil {
		return fmt.Errorf("server.version: %w", err)
	}
	cmp, err := electrum.CompareVersion(software, a.opts.MinVersion)
	if err != nil {
		return err
	}
	if cmp < 0 {
		return &VersionError{Got: software, Want: a.opts.MinVersion}
	}
	slog.Debug("backend version accepted", "name", a.name, "version", software, "min", a.opts.MinVersion)
	return nil
}

// Client returns an Electrum client bound to Addr. It is created once and
// closed by Cleanup.
func (a *Adapter) Client() *electrum.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		a.client = electrum.New(a.Addr())
	}
	return a.client
}

func (a *Adapter) closeClient() {
	a.mu.Lock()
	c := a.client
	a.client = nil
	a.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// Stop asks the backend to exit and waits for the grace period.
func (a *Adapter) Stop() error {
	a.closeClient()
	wasRunning := a.proc.Running()
	if err := a.proc.Stop(); err != nil {
		return err
	}
	if wasRunning {
		history.Record(context.Background(), a.opts.History, history.Event{Type: history.EventStop, Fixture: a.name, PID: a.proc.PID()})
	}
	return nil
}

// Cleanup stops the backend, killing it when the graceful stop fails. The
// reserved port stays held so a later Start reuses the written config.
func (a *Adapter) Cleanup() error {
	a.closeClient()
	wasRunning := a.proc.Running()
	stopErr := a.proc.Stop()
	if stopErr == nil && !a.proc.Running() {
		if wasRunning {
			history.Record(context.Background(), a.opts.History, history.Event{Type: history.EventStop, Fixture: a.name, PID: a.proc.PID()})
		}
		return nil
	}
	if stopErr != nil {
		slog.Warn("graceful stop failed, killing", "name", a.name, "error", stopErr)
	}
	// Stop already spent the grace period; escalate straight to SIGKILL
	if err := a.proc.Kill(); err != nil {
		return err
	}
	history.Record(context.Background(), a.opts.History, history.Event{Type: history.EventKill, Fixture: a.name, PID: a.proc.PID(), Error: errString(stopErr)})
	return nil
}

// Close cleans up and returns the listen port to the pool.
func (a *Adapter) Close() error {
	err := a.Cleanup()
	a.releasePort()
	return err
}

func (a *Adapter) releasePort() {
	if a.reserved {
		ports.Release(a.port)
		a.reserved = false
	}
}

// AppendToConf appends the variant's sibling section with this backend's
// address to the existing file at path.
func (a *Adapter) AppendToConf(path string) error {
	section, params := a.variant.SiblingSection(a.Addr())
	return config.AppendSection(path, section, params)
}

// WaitForLog waits for a line of backend output containing pattern.
func (a *Adapter) WaitForLog(ctx context.Context, pattern string, timeout time.Duration) error {
	return a.proc.WaitForLog(ctx, pattern, timeout)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
