package backend

import (
	"fmt"
	"path/filepath"

	"github.com/loykin/nodefixture/internal/config"
)

// Layout is what a Variant needs to render its configuration.
type Layout struct {
	NodeDir     string
	NodeRPCAddr string
	NodeP2PAddr string
	Dir         string
	Network     string
	ListenAddr  string
}

// Variant is the backend-specific part of an Adapter: how its configuration
// is laid out and how siblings are pointed at it.
type Variant interface {
	Name() string
	ConfigFileName() string
	Params(l Layout) config.Params
	RequiredKeys() []string
	SiblingSection(addr string) (string, config.Params)
	// ReadyPattern is the log line that marks the backend as serving, or
	// empty when only the port probe applies.
	ReadyPattern() string
}

// Electrs is the electrs indexer attached to a full node.
type Electrs struct{}

func (Electrs) Name() string           { return "electrs" }
func (Electrs) ConfigFileName() string { return "electrs.toml" }
func (Electrs) ReadyPattern() string   { return "serving Electrum RPC" }

func (Electrs) RequiredKeys() []string {
	return []string{"daemon_dir", "cookie_file", "daemon_rpc_addr", "daemon_p2p_addr", "db_dir", "network", "electrum_rpc_addr"}
}

func (Electrs) Params(l Layout) config.Params {
	return config.Params{}.
		Add("daemon_dir", l.NodeDir).
		Add("cookie_file", filepath.Join(l.NodeDir, l.Network, ".cookie")).
		Add("daemon_rpc_addr", l.NodeRPCAddr).
		Add("daemon_p2p_addr", l.NodeP2PAddr).
		Add("db_dir", l.Dir).
		Add("network", l.Network).
		Add("electrum_rpc_addr", l.ListenAddr)
}

func (Electrs) SiblingSection(addr string) (string, config.Params) {
	return "electrum_config", config.Params{}.Add("addr", addr)
}

func loopback(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
