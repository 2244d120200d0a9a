package backend

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/loykin/nodefixture/internal/config"
	"github.com/loykin/nodefixture/internal/detector"
)

// Direct is the full node used as the backend itself: there is no process
// to run, only connection details to hand to siblings.
type Direct struct {
	name    string
	nodeDir string
	network string
	rpcPort int
	opts    Options
}

// NewDirect describes the full node at o.NodeDir listening on o.NodeRPCPort.
func NewDirect(o Options) (*Direct, error) {
	name := o.Name
	if name == "" {
		name = config.BackendBitcoind
	}
	if o.NodeDir == "" || o.NodeRPCPort <= 0 {
		return nil, &PhaseError{Fixture: name, Phase: PhaseConfig, Err: errors.New("node directory and rpc port are required")}
	}
	return &Direct{name: name, nodeDir: o.NodeDir, network: o.network(), rpcPort: o.NodeRPCPort, opts: o}, nil
}

func (d *Direct) Name() string { return d.name }

// Addr is the node's RPC address.
func (d *Direct) Addr() string { return loopback(d.rpcPort) }

// CookiePath is the node's cookie-authentication file.
func (d *Direct) CookiePath() string { return filepath.Join(d.nodeDir, d.network, ".cookie") }

func (d *Direct) Start() error { return nil }

// Startup waits until the node's RPC port accepts connections.
func (d *Direct) Startup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.readyTimeout())
	defer cancel()
	if err := detector.Wait(ctx, detector.PortDetector{Addr: d.Addr()}, detector.DefaultInterval); err != nil {
		return &PhaseError{Fixture: d.name, Phase: PhaseProbe, Err: err}
	}
	return nil
}

func (d *Direct) Stop() error    { return nil }
func (d *Direct) Cleanup() error { return nil }

// AppendToConf appends a [bitcoind_config] section with the cookie path and
// RPC address.
func (d *Direct) AppendToConf(path string) error {
	params := config.Params{}.
		Add("cookie_path", d.CookiePath()).
		Add("addr", d.Addr())
	return config.AppendSection(path, "bitcoind_config", params)
}
