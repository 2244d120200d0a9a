package manager

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/nodefixture/internal/process"
)

// fakeBackend records lifecycle calls into a shared journal.
type fakeBackend struct {
	name       string
	journal    *journal
	startupErr error
	cleanupErr error
}

type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.calls = append(j.calls, s)
	j.mu.Unlock()
}

func (j *journal) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return strings.Join(j.calls, ",")
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Start() error { return nil }
func (f *fakeBackend) Startup(context.Context) error {
	f.journal.add("up:" + f.name)
	return f.startupErr
}
func (f *fakeBackend) Stop() error { return nil }
func (f *fakeBackend) Cleanup() error {
	f.journal.add("down:" + f.name)
	return f.cleanupErr
}
func (f *fakeBackend) AppendToConf(string) error { return nil }
func (f *fakeBackend) Addr() string              { return "127.0.0.1:1" }

// procBackend wraps a real supervised process.
type procBackend struct {
	fakeBackend
	proc *process.Process
}

func (p *procBackend) Process() *process.Process { return p.proc }

func TestAddRejectsDuplicates(t *testing.T) {
	m := NewManager()
	j := &journal{}
	if err := m.Add(&fakeBackend{name: "a", journal: j}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Add(&fakeBackend{name: "a", journal: j}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
	if _, ok := m.Get("a"); !ok {
		t.Fatalf("Get(a) not found")
	}
	if _, ok := m.Get("b"); ok {
		t.Fatalf("Get(b) found")
	}
}

func TestStartupAllOrderAndCleanupReverse(t *testing.T) {
	m := NewManager()
	j := &journal{}
	for _, n := range []string{"bitcoind", "electrs", "lianad"} {
		if err := m.Add(&fakeBackend{name: n, journal: j}); err != nil {
			t.Fatal(err)
		}
	}
	if got := strings.Join(m.Names(), ","); got != "bitcoind,electrs,lianad" {
		t.Fatalf("names = %s", got)
	}
	if err := m.StartupAll(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if err := m.CleanupAll(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	want := "up:bitcoind,up:electrs,up:lianad,down:lianad,down:electrs,down:bitcoind"
	if j.String() != want {
		t.Fatalf("calls = %s\nwant    %s", j, want)
	}
}

func TestStartupAllFailureCleansStarted(t *testing.T) {
	m := NewManager()
	j := &journal{}
	boom := errors.New("electrs not ready")
	_ = m.Add(&fakeBackend{name: "bitcoind", journal: j})
	_ = m.Add(&fakeBackend{name: "electrs", journal: j, startupErr: boom})
	_ = m.Add(&fakeBackend{name: "lianad", journal: j})

	err := m.StartupAll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("want startup error, got %v", err)
	}
	// the failing fixture cleans itself up; only earlier ones are undone here
	if got := j.String(); got != "up:bitcoind,up:electrs,down:bitcoind" {
		t.Fatalf("calls = %s", got)
	}
}

func TestCleanupAllAttemptsEveryFixture(t *testing.T) {
	m := NewManager()
	j := &journal{}
	e1 := errors.New("kill a failed")
	e2 := errors.New("kill c failed")
	_ = m.Add(&fakeBackend{name: "a", journal: j, cleanupErr: e1})
	_ = m.Add(&fakeBackend{name: "b", journal: j})
	_ = m.Add(&fakeBackend{name: "c", journal: j, cleanupErr: e2})

	err := m.CleanupAll()
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("want both errors joined, got %v", err)
	}
	if got := j.String(); got != "down:c,down:b,down:a" {
		t.Fatalf("calls = %s", got)
	}
}

func TestStatusAndLogs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	m := NewManager()
	j := &journal{}
	proc := process.New(process.Spec{Name: "echoer", Path: "/bin/sh", Args: []string{"-c", "echo one; echo two; echo three"}})
	_ = m.Add(&procBackend{fakeBackend: fakeBackend{name: "echoer", journal: j}, proc: proc})
	_ = m.Add(&fakeBackend{name: "node", journal: j})

	if err := proc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}

	st := m.Status()
	if len(st) != 2 || st[0].Name != "echoer" || st[0].State != "stopped" || st[0].PID == 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st[1].State != "external" || st[1].Running {
		t.Fatalf("unexpected status for external fixture: %+v", st[1])
	}

	logs, err := m.Logs("echoer", 2)
	if err != nil || strings.Join(logs, ",") != "two,three" {
		t.Fatalf("logs = %v, %v", logs, err)
	}
	if _, err := m.Logs("node", 1); !errors.Is(err, ErrNoLogs) {
		t.Fatalf("want ErrNoLogs, got %v", err)
	}
	if _, err := m.Logs("missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := m.StatusOf("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
