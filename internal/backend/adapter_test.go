package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodefixture/internal/detector"
	"github.com/loykin/nodefixture/internal/history"
	"github.com/loykin/nodefixture/internal/history/sqlite"
	"github.com/loykin/nodefixture/internal/ports"
	"github.com/loykin/nodefixture/internal/process"
)

func testExecutable(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func fakeOptions(t *testing.T, mode string) Options {
	t.Helper()
	root := t.TempDir()
	env := append(os.Environ(), fakeModeEnv+"="+mode)
	return Options{
		NodeDir:      filepath.Join(root, "node"),
		NodeRPCPort:  18443,
		NodeP2PPort:  18444,
		Dir:          filepath.Join(root, "idx"),
		Executable:   testExecutable(t),
		ReadyTimeout: 10 * time.Second,
		StopTimeout:  2 * time.Second,
		Env:          env,
	}
}

func processGone(t *testing.T, pid int) {
	t.Helper()
	require.Eventually(t, func() bool {
		alive, err := detector.PIDAlive(context.Background(), pid)
		return err == nil && !alive
	}, 5*time.Second, 20*time.Millisecond, "pid %d still alive", pid)
}

func TestNewAdapterWritesConfig(t *testing.T) {
	root := t.TempDir()
	node := filepath.Join(root, "node")
	idx := filepath.Join(root, "idx")
	a, err := NewAdapter(Options{NodeDir: node, NodeRPCPort: 18443, NodeP2PPort: 18444, Dir: idx, Executable: "electrs"}, Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	assert.Equal(t, filepath.Join(idx, "regtest", "electrs.toml"), a.ConfPath())
	assert.Equal(t, []string{"electrs", "--conf", a.ConfPath()}, a.CommandLine())

	b, err := os.ReadFile(a.ConfPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	require.Len(t, lines, 7)
	assert.Contains(t, lines, `daemon_rpc_addr = "127.0.0.1:18443"`)
	assert.Contains(t, lines, `daemon_p2p_addr = "127.0.0.1:18444"`)
	assert.Equal(t, `daemon_dir = "`+node+`"`, lines[0])

	var conf map[string]string
	_, err = toml.Decode(string(b), &conf)
	require.NoError(t, err)
	keys := make([]string, 0, len(conf))
	for k := range conf {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, Electrs{}.RequiredKeys(), keys)
	assert.Equal(t, filepath.Join(node, "regtest", ".cookie"), conf["cookie_file"])
	assert.Equal(t, idx, conf["db_dir"])
	assert.Equal(t, "regtest", conf["network"])
	assert.Equal(t, a.Addr(), conf["electrum_rpc_addr"])

	entries, err := os.ReadDir(a.WorkDir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "working dir must hold only the config file")
}

func TestNewAdapterFixedPort(t *testing.T) {
	o := fakeOptions(t, "serve")
	o.Port = 45123
	a, err := NewAdapter(o, Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	assert.Equal(t, "127.0.0.1:45123", a.Addr())
	v, _ := a.Params().Get("electrum_rpc_addr")
	assert.Equal(t, "127.0.0.1:45123", v)
}

func TestNewAdapterRejectsPortHeldByAnotherFixture(t *testing.T) {
	a, err := NewAdapter(fakeOptions(t, "serve"), Electrs{})
	require.NoError(t, err)

	o := fakeOptions(t, "serve")
	o.Port = a.Port()
	_, err = NewAdapter(o, Electrs{})
	var pe *PhaseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, PhaseConfig, pe.Phase)
	assert.ErrorIs(t, err, ports.ErrInUse)
	_, statErr := os.Stat(filepath.Join(o.Dir, "regtest", "electrs.toml"))
	assert.True(t, os.IsNotExist(statErr), "rejected fixture must not write its config")

	require.NoError(t, a.Close())
	b, err := NewAdapter(o, Electrs{})
	require.NoError(t, err, "port must be free again after Close")
	defer func() { _ = b.Close() }()

	o2 := fakeOptions(t, "serve")
	o2.Port = o.Port
	_, err = NewAdapter(o2, Electrs{})
	assert.ErrorIs(t, err, ports.ErrInUse, "two fixed-port fixtures must not share a port")
}

func TestConcurrentAdaptersGetDistinctPorts(t *testing.T) {
	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int]bool{}
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := NewAdapter(fakeOptions(t, "serve"), Electrs{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			seen[a.Port()] = true
			t.Cleanup(func() { _ = a.Close() })
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	assert.Len(t, seen, n)
}

func TestNewAdapterRejectsBadOptions(t *testing.T) {
	_, err := NewAdapter(Options{Name: "idx"}, Electrs{})
	var pe *PhaseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, "idx", pe.Fixture)
	assert.Equal(t, PhaseConfig, pe.Phase)
	assert.Contains(t, err.Error(), "node directory is required")
	assert.Contains(t, err.Error(), "executable is required")
}

func TestNewAdapterUnwritableDir(t *testing.T) {
	o := fakeOptions(t, "serve")
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	o.Dir = filepath.Join(blocker, "idx")
	_, err := NewAdapter(o, Electrs{})
	var pe *PhaseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, PhaseConfig, pe.Phase)
}

func TestStartupReadyAndCleanup(t *testing.T) {
	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	o := fakeOptions(t, "serve")
	o.MinVersion = "0.9.0"
	o.History = sink
	a, err := NewAdapter(o, Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, a.Startup(ctx))
	require.True(t, a.Process().Running())

	software, _, err := a.Client().ServerVersion(ctx, "test", "")
	require.NoError(t, err)
	assert.Equal(t, "electrs/0.10.5", software)
	require.NoError(t, a.Client().Ping(ctx))

	pid := a.Process().PID()
	require.NoError(t, a.Cleanup())
	require.NoError(t, a.Cleanup(), "second cleanup must be a no-op")
	processGone(t, pid)

	events, err := sink.Events(ctx, "electrs")
	require.NoError(t, err)
	var types []history.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []history.EventType{history.EventStart, history.EventReady, history.EventStop}, types)
}

func TestStartupVersionTooOld(t *testing.T) {
	o := fakeOptions(t, "serve")
	o.Env = append(o.Env, fakeVersionEnv+"=0.8.1")
	o.MinVersion = "0.9.0"
	a, err := NewAdapter(o, Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	err = a.Startup(context.Background())
	var pe *PhaseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, PhaseVersion, pe.Phase)
	var ve *VersionError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "electrs/0.8.1", ve.Got)
	assert.False(t, a.Process().Running(), "failed startup must not leave the process running")
}

func TestStartupOnRunningBackendKeepsIt(t *testing.T) {
	a, err := NewAdapter(fakeOptions(t, "serve"), Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	require.NoError(t, a.Startup(context.Background()))
	pid := a.Process().PID()

	err = a.Startup(context.Background())
	var pe *PhaseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, PhaseSpawn, pe.Phase)
	assert.ErrorIs(t, err, process.ErrAlreadyStarted)
	assert.True(t, a.Process().Running(), "second Startup must not tear down the live process")
	assert.Equal(t, pid, a.Process().PID())
	require.NoError(t, a.Client().Ping(context.Background()))
}

func TestCleanupKillsAfterOneGracePeriod(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires SIGTERM")
	}
	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	o := fakeOptions(t, "stubborn")
	o.StopTimeout = 500 * time.Millisecond
	o.History = sink
	a, err := NewAdapter(o, Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	require.NoError(t, a.Startup(context.Background()))
	pid := a.Process().PID()

	start := time.Now()
	require.NoError(t, a.Cleanup())
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, o.StopTimeout)
	assert.Less(t, elapsed, 2*o.StopTimeout, "SIGKILL must follow the first grace period")
	processGone(t, pid)

	events, err := sink.Events(context.Background(), "electrs")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, history.EventKill, events[len(events)-1].Type)
}

func TestStartupNotReady(t *testing.T) {
	o := fakeOptions(t, "silent")
	o.ReadyTimeout = 300 * time.Millisecond
	a, err := NewAdapter(o, Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	err = a.Startup(context.Background())
	require.ErrorIs(t, err, process.ErrNotReady)
	var pe *PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, PhaseReady, pe.Phase)
	assert.Contains(t, err.Error(), "starting electrs")
	pid := a.Process().PID()
	assert.False(t, a.Process().Running())
	processGone(t, pid)
}

func TestStartupProcessCrashes(t *testing.T) {
	a, err := NewAdapter(fakeOptions(t, "crash"), Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	err = a.Startup(context.Background())
	require.ErrorIs(t, err, process.ErrExited)
	assert.Contains(t, err.Error(), "failed to open cookie file")
}

func TestStartupPortNeverOpens(t *testing.T) {
	o := fakeOptions(t, "noport")
	o.ReadyTimeout = 500 * time.Millisecond
	a, err := NewAdapter(o, Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	err = a.Startup(context.Background())
	var pe *PhaseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, PhaseProbe, pe.Phase)
	assert.ErrorIs(t, err, process.ErrNotReady)
	assert.False(t, a.Process().Running())
}

func TestStartupReadyCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix true/false")
	}
	o := fakeOptions(t, "serve")
	o.ReadyCommand = []string{"true"}
	a, err := NewAdapter(o, Electrs{})
	require.NoError(t, err)
	require.NoError(t, a.Startup(context.Background()))
	require.NoError(t, a.Close())

	o = fakeOptions(t, "serve")
	o.ReadyCommand = []string{"false"}
	o.ReadyTimeout = 2 * time.Second
	a, err = NewAdapter(o, Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	err = a.Startup(context.Background())
	var pe *PhaseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, PhaseProbe, pe.Phase)
	assert.ErrorIs(t, err, process.ErrNotReady)
	assert.Contains(t, err.Error(), "cmd:false")
}

func TestStartupMissingExecutable(t *testing.T) {
	o := fakeOptions(t, "serve")
	o.Executable = filepath.Join(t.TempDir(), "no-electrs")
	a, err := NewAdapter(o, Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	err = a.Startup(context.Background())
	var se *process.StartError
	require.True(t, errors.As(err, &se), "got %v", err)
	var pe *PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, PhaseSpawn, pe.Phase)
	assert.Zero(t, a.Process().PID())

	var conf map[string]string
	_, err = toml.DecodeFile(a.ConfPath(), &conf)
	require.NoError(t, err, "config must be intact after a failed spawn")
	assert.Len(t, conf, 7)
	require.NoError(t, a.Cleanup())
}

func TestAppendToConfPreservesContent(t *testing.T) {
	a, err := NewAdapter(fakeOptions(t, "serve"), Electrs{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	sibling := filepath.Join(t.TempDir(), "lianad.toml")
	orig := "data_dir = '/tmp/liana'\nlog_level = 'debug'\n"
	require.NoError(t, os.WriteFile(sibling, []byte(orig), 0o600))

	require.NoError(t, a.AppendToConf(sibling))
	b, err := os.ReadFile(sibling)
	require.NoError(t, err)
	assert.Equal(t, orig+"\n[electrum_config]\naddr = '"+a.Addr()+"'\n", string(b))

	var doc struct {
		Electrum struct {
			Addr string `toml:"addr"`
		} `toml:"electrum_config"`
	}
	_, err = toml.Decode(string(b), &doc)
	require.NoError(t, err)
	assert.Equal(t, a.Addr(), doc.Electrum.Addr)

	require.Error(t, a.AppendToConf(filepath.Join(t.TempDir(), "missing.toml")))
}
