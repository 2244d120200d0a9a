// Package nodefixture runs blockchain indexer backends (electrs) next to a
// full node for integration tests: it renders the backend configuration,
// spawns the process, waits until it serves, cross-wires sibling configs and
// tears everything down again.
package nodefixture

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/loykin/nodefixture/internal/backend"
	"github.com/loykin/nodefixture/internal/config"
	"github.com/loykin/nodefixture/internal/history"
	"github.com/loykin/nodefixture/internal/history/factory"
	"github.com/loykin/nodefixture/internal/logger"
	"github.com/loykin/nodefixture/internal/manager"
	"github.com/loykin/nodefixture/internal/metrics"
	"github.com/loykin/nodefixture/internal/process"
	"github.com/loykin/nodefixture/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Backend = backend.Backend

type Options = backend.Options

type Adapter = backend.Adapter

type Direct = backend.Direct

type Electrs = backend.Electrs

type PhaseError = backend.PhaseError

type VersionError = backend.VersionError

type Settings = config.Settings

type Params = config.Params

type Spec = process.Spec

type Status = process.Status

type FixtureStatus = manager.FixtureStatus

type HistorySink = history.Sink

type LogConfig = logger.Config

// Backend kinds accepted by NewBackend.
const (
	KindElectrs  = config.BackendElectrs
	KindBitcoind = config.BackendBitcoind
)

var (
	ErrNotReady       = process.ErrNotReady
	ErrExited         = process.ErrExited
	ErrStopTimeout    = process.ErrStopTimeout
	ErrAlreadyStarted = process.ErrAlreadyStarted
	ErrUnknownKind    = backend.ErrUnknownKind
)

// LoadSettings reads harness settings from an optional TOML file and
// NODEFIXTURE_* environment variables.
func LoadSettings(path string) (Settings, error) { return config.LoadSettings(path) }

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings { return config.DefaultSettings() }

// NewElectrs renders the electrs configuration into o.Dir and returns the
// unstarted fixture.
func NewElectrs(o Options) (*Adapter, error) { return backend.NewAdapter(o, Electrs{}) }

// NewBackend builds a fixture of the given kind ("electrs" or "bitcoind").
func NewBackend(kind string, o Options) (Backend, error) { return backend.New(kind, o) }

// FromSettings builds a fixture of the kind named by s, filling the
// harness-wide fields of o from s. When s carries a history DSN and o has no
// sink, a sink is opened; it is returned so the caller can close it.
func FromSettings(o Options, s Settings) (Backend, HistorySink, error) {
	o, err := backend.OptionsFromSettings(o, s)
	if err != nil {
		return nil, nil, err
	}
	var opened HistorySink
	if o.History == nil && strings.TrimSpace(s.HistoryDSN) != "" {
		opened, err = factory.NewSinkFromDSN(s.HistoryDSN)
		if err != nil {
			return nil, nil, err
		}
		o.History = opened
	}
	b, err := backend.New(s.Backend, o)
	if err != nil {
		_ = factory.Close(opened)
		return nil, nil, err
	}
	return b, opened, nil
}

// AppendElectrsSection appends the section pointing a sibling's config at
// an electrs server listening on addr, without building the fixture.
func AppendElectrsSection(path, addr string) error {
	section, params := Electrs{}.SiblingSection(addr)
	return config.AppendSection(path, section, params)
}

// NewHistorySink opens a history sink from a DSN (sqlite://, postgres://,
// clickhouse:// or a bare sqlite file path).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// CloseHistorySink closes s when it holds resources. A nil sink is fine.
func CloseHistorySink(s HistorySink) error { return factory.Close(s) }

// SetupLogging installs the harness logger as the slog default.
func SetupLogging(c LogConfig, w io.Writer) error {
	_, err := logger.Setup(c, w)
	return err
}

// Manager is a thin facade over internal/manager.Manager.
type Manager struct{ inner *manager.Manager }

func NewManager() *Manager { return &Manager{inner: manager.NewManager()} }

func (m *Manager) Add(b Backend) error                       { return m.inner.Add(b) }
func (m *Manager) Get(name string) (Backend, bool)           { return m.inner.Get(name) }
func (m *Manager) Names() []string                           { return m.inner.Names() }
func (m *Manager) StartupAll(ctx context.Context) error      { return m.inner.StartupAll(ctx) }
func (m *Manager) CleanupAll() error                         { return m.inner.CleanupAll() }
func (m *Manager) Status() []FixtureStatus                   { return m.inner.Status() }
func (m *Manager) Logs(name string, n int) ([]string, error) { return m.inner.Logs(name, n) }
func (m *Manager) StatusOf(name string) (FixtureStatus, error) {
	return m.inner.StatusOf(name)
}

// NewHTTPServer starts an HTTP server exposing fixture status, captured logs
// and metrics for the given manager.
func NewHTTPServer(addr, basePath string, m *Manager) *http.Server {
	return server.NewServer(addr, basePath, m.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
