package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/loykin/nodefixture"
)

// command carries what the subcommands share: the global flags and where
// the harness logger writes.
type command struct {
	global *GlobalFlags
	stderr io.Writer
}

// settings loads the harness settings and installs the logger they describe.
func (c *command) settings() (nodefixture.Settings, error) {
	s, err := nodefixture.LoadSettings(c.global.ConfigPath)
	if err != nil {
		return s, err
	}
	if c.global.LogLevel != "" {
		s.Log.Level = c.global.LogLevel
	}
	if err := nodefixture.SetupLogging(s.Log.Logger(), c.stderr); err != nil {
		return s, err
	}
	return s, nil
}

func (f FixtureFlags) options() nodefixture.Options {
	return nodefixture.Options{
		Name:         f.Name,
		NodeDir:      f.NodeDir,
		NodeRPCPort:  f.NodeRPCPort,
		NodeP2PPort:  f.NodeP2PPort,
		Dir:          f.Dir,
		Port:         f.Port,
		Executable:   f.Executable,
		Network:      f.Network,
		ReadyTimeout: f.ReadyTimeout,
	}
}

// closeBackend cleans b up and, for electrs, returns its port to the pool.
func closeBackend(b nodefixture.Backend) error {
	if a, ok := b.(*nodefixture.Adapter); ok {
		return a.Close()
	}
	return b.Cleanup()
}

// Run starts the fixture, prints its address and blocks until ctx is done.
func (c *command) Run(ctx context.Context, out io.Writer, f RunFlags) (err error) {
	s, err := c.settings()
	if err != nil {
		return err
	}
	if f.Kind != "" {
		s.Backend = strings.ToLower(f.Kind)
	}
	b, sink, err := nodefixture.FromSettings(f.options(), s)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := nodefixture.CloseHistorySink(sink); cerr != nil {
			slog.Warn("close history sink", "error", cerr)
		}
	}()
	defer func() {
		err = errors.Join(err, closeBackend(b))
	}()

	mgr := nodefixture.NewManager()
	if err := mgr.Add(b); err != nil {
		return err
	}
	if f.HTTPListen != "" {
		if err := nodefixture.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		srv := nodefixture.NewHTTPServer(f.HTTPListen, f.BasePath, mgr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		slog.Info("status server listening", "addr", f.HTTPListen, "base", f.BasePath)
	}

	if err := mgr.StartupAll(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s %s\n", b.Name(), b.Addr())
	if a, ok := b.(*nodefixture.Adapter); ok {
		_, _ = fmt.Fprintf(out, "conf %s\n", a.ConfPath())
	}

	<-ctx.Done()
	slog.Info("shutting down", "name", b.Name())
	return nil
}

// Render writes the electrs configuration and prints its path and address.
func (c *command) Render(out io.Writer, f FixtureFlags) error {
	s, err := c.settings()
	if err != nil {
		return err
	}
	s.Backend = nodefixture.KindElectrs
	s.HistoryDSN = ""
	b, _, err := nodefixture.FromSettings(f.options(), s)
	if err != nil {
		return err
	}
	a := b.(*nodefixture.Adapter)
	defer func() { _ = a.Close() }()
	_, _ = fmt.Fprintf(out, "%s %s\n", a.ConfPath(), a.Addr())
	return nil
}

// Append points the sibling config at a backend of the given kind.
func (c *command) Append(f AppendFlags) error {
	switch strings.ToLower(f.Kind) {
	case nodefixture.KindElectrs:
		if f.Port <= 0 {
			return errors.New("--port is required for the electrs backend")
		}
		return nodefixture.AppendElectrsSection(f.ConfPath, fmt.Sprintf("127.0.0.1:%d", f.Port))
	case nodefixture.KindBitcoind:
		b, err := nodefixture.NewBackend(nodefixture.KindBitcoind, nodefixture.Options{
			NodeDir:     f.NodeDir,
			NodeRPCPort: f.RPCPort,
			Network:     f.Network,
		})
		if err != nil {
			return err
		}
		return b.AppendToConf(f.ConfPath)
	}
	return fmt.Errorf("%w %q", nodefixture.ErrUnknownKind, f.Kind)
}
