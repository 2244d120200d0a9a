// Package manager keeps the set of fixtures a test run uses: it starts them
// in the order they were added and tears them down in reverse.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/nodefixture/internal/backend"
	"github.com/loykin/nodefixture/internal/process"
)

var (
	// ErrDuplicate is returned by Add for a name already in the set.
	ErrDuplicate = errors.New("fixture already registered")
	// ErrNotFound is returned for an unknown fixture name.
	ErrNotFound = errors.New("fixture not found")
	// ErrNoLogs is returned by Logs for a fixture without a process.
	ErrNoLogs = errors.New("fixture has no process output")
)

// processBackend is implemented by backends that supervise a process.
type processBackend interface {
	Process() *process.Process
}

// FixtureStatus is a point-in-time view of one fixture.
type FixtureStatus struct {
	Name      string    `json:"name"`
	Addr      string    `json:"addr"`
	State     string    `json:"state"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitErr   string    `json:"exit_err,omitempty"`
}

// Manager is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	order    []string
	fixtures map[string]backend.Backend
}

func NewManager() *Manager {
	return &Manager{fixtures: make(map[string]backend.Backend)}
}

// Add registers b under b.Name().
func (m *Manager) Add(b backend.Backend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := b.Name()
	if _, ok := m.fixtures[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	m.fixtures[name] = b
	m.order = append(m.order, name)
	return nil
}

// Get returns the fixture registered under name.
func (m *Manager) Get(name string) (backend.Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.fixtures[name]
	return b, ok
}

// Names returns fixture names in insertion order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) snapshot() []backend.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]backend.Backend, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.fixtures[n])
	}
	return out
}

// StartupAll starts every fixture in insertion order. When one fails, the
// fixtures already started are cleaned up in reverse order and the startup
// error is returned together with any cleanup errors.
func (m *Manager) StartupAll(ctx context.Context) error {
	all := m.snapshot()
	for i, b := range all {
		if err := b.Startup(ctx); err != nil {
			slog.Error("fixture startup failed", "name", b.Name(), "error", err)
			return errors.Join(err, cleanupReverse(all[:i]))
		}
	}
	return nil
}

// CleanupAll cleans up every fixture in reverse insertion order. All
// fixtures are attempted; errors are joined.
func (m *Manager) CleanupAll() error {
	return cleanupReverse(m.snapshot())
}

func cleanupReverse(bs []backend.Backend) error {
	var errs []error
	for i := len(bs) - 1; i >= 0; i-- {
		if err := bs[i].Cleanup(); err != nil {
			slog.Error("fixture cleanup failed", "name", bs[i].Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status returns the status of every fixture in insertion order.
func (m *Manager) Status() []FixtureStatus {
	all := m.snapshot()
	out := make([]FixtureStatus, 0, len(all))
	for _, b := range all {
		out = append(out, statusOf(b))
	}
	return out
}

// StatusOf returns the status of one fixture.
func (m *Manager) StatusOf(name string) (FixtureStatus, error) {
	b, ok := m.Get(name)
	if !ok {
		return FixtureStatus{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return statusOf(b), nil
}

func statusOf(b backend.Backend) FixtureStatus {
	fs := FixtureStatus{Name: b.Name(), Addr: b.Addr(), State: "external"}
	if pb, ok := b.(processBackend); ok {
		st := pb.Process().Status()
		fs.State = st.State
		fs.Running = st.Running
		fs.PID = st.PID
		fs.StartedAt = st.StartedAt
		fs.ExitErr = st.ExitErr
	}
	return fs
}

// Logs returns the last n captured output lines of a fixture (all when n <= 0).
func (m *Manager) Logs(name string, n int) ([]string, error) {
	b, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	pb, ok := b.(processBackend)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoLogs, name)
	}
	return pb.Process().Tail(n), nil
}
