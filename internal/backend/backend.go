// Package backend wires chain backends (electrs over a full node, or the
// full node used directly) into fixtures that a test run can start, cross-wire
// into a sibling's configuration, and tear down.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/nodefixture/internal/config"
	"github.com/loykin/nodefixture/internal/history"
	"github.com/loykin/nodefixture/internal/logger"
)

// Backend is the capability contract every fixture backend implements.
type Backend interface {
	Name() string
	// Start spawns the backend without waiting for it to be usable.
	Start() error
	// Startup starts the backend and returns once it is ready. On failure
	// nothing is left running.
	Startup(ctx context.Context) error
	Stop() error
	// Cleanup stops the backend, force-killing it when needed. Idempotent.
	Cleanup() error
	// AppendToConf adds a section pointing a sibling's config at this backend.
	AppendToConf(path string) error
	// Addr is the host:port siblings connect to.
	Addr() string
}

// Startup phases reported by PhaseError.
const (
	PhaseConfig  = "config"
	PhaseSpawn   = "spawn"
	PhaseReady   = "ready"
	PhaseProbe   = "probe"
	PhaseVersion = "version"
)

// PhaseError names the fixture and the phase a construction or startup
// failure happened in.
type PhaseError struct {
	Fixture string
	Phase   string
	Err     error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("fixture %s: %s: %v", e.Fixture, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// VersionError reports a backend older than the configured minimum.
type VersionError struct {
	Got  string
	Want string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("backend version %s is older than required %s", e.Got, e.Want)
}

// Options are the construction inputs of a fixture.
type Options struct {
	Name        string // fixture name; defaults to the variant name
	NodeDir     string // full node data directory
	NodeRPCPort int
	NodeP2PPort int
	Dir         string // storage directory owned by this fixture
	Port        int    // listen port; 0 reserves an ephemeral one
	Executable  string
	Network     string // default "regtest"

	ReadyPattern string        // overrides the variant's readiness line
	ReadyTimeout time.Duration // default 60s
	StopTimeout  time.Duration // default 10s
	MinVersion   string        // empty skips the version check
	ReadyCommand []string      // optional probe command that must exit 0

	Env     []string // full child environment; nil inherits
	Log     logger.Config
	History history.Sink
}

const (
	defaultNetwork      = "regtest"
	defaultReadyTimeout = 60 * time.Second
)

func (o Options) network() string {
	if o.Network == "" {
		return defaultNetwork
	}
	return o.Network
}

func (o Options) readyTimeout() time.Duration {
	if o.ReadyTimeout <= 0 {
		return defaultReadyTimeout
	}
	return o.ReadyTimeout
}

// OptionsFromSettings fills the harness-wide fields of o from s. Fields
// already set on o win.
func OptionsFromSettings(o Options, s config.Settings) (Options, error) {
	if o.Executable == "" {
		o.Executable = s.ElectrsPath
	}
	if o.Network == "" {
		o.Network = s.Network
	}
	if o.ReadyPattern == "" {
		o.ReadyPattern = s.ReadyPattern
	}
	if o.ReadyTimeout == 0 {
		o.ReadyTimeout = s.ReadyTimeout
	}
	if o.StopTimeout == 0 {
		o.StopTimeout = s.StopTimeout
	}
	if o.MinVersion == "" {
		o.MinVersion = s.MinVersion
	}
	if len(o.ReadyCommand) == 0 {
		o.ReadyCommand = s.ReadyCommand
	}
	if o.Env == nil {
		e, err := s.FixtureEnv()
		if err != nil {
			return o, err
		}
		o.Env = e.Merge(nil)
	}
	if !o.Log.File.Enabled() {
		o.Log.File = s.Log.Logger().File
	}
	return o, nil
}

// ErrUnknownKind is returned by New for an unsupported backend kind.
var ErrUnknownKind = errors.New("unknown backend kind")

// New builds a backend of the given kind: "electrs" (an Adapter running
// electrs) or "bitcoind" (the full node used directly).
func New(kind string, o Options) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case config.BackendElectrs:
		return NewAdapter(o, Electrs{})
	case config.BackendBitcoind:
		return NewDirect(o)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
}
