package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot()
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	renderFlags := &FixtureFlags{}
	appendFlags := &AppendFlags{}

	c := command{global: globalFlags, stderr: os.Stderr}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(&c, runFlags),
		createRenderCommand(&c, renderFlags),
		createAppendCommand(&c, appendFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "nodefixture",
		Short: "Run chain backend fixtures for integration tests",
		Long: `nodefixture renders the configuration of a chain backend (electrs over a
full node, or the full node itself), starts it, waits until it serves and
keeps it running until interrupted.

Examples:
  nodefixture run --node-dir=/tmp/bitcoind --node-rpc-port=18443 --node-p2p-port=18444 --dir=/tmp/electrs
  nodefixture render --node-dir=/tmp/bitcoind --node-rpc-port=18443 --node-p2p-port=18444 --dir=/tmp/electrs
  nodefixture append --conf=/tmp/lianad/config.toml --port=50001`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML settings file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level (debug, info, warn, error); overrides settings")

	return root
}

func addFixtureFlags(cmd *cobra.Command, f *FixtureFlags) {
	cmd.Flags().StringVar(&f.Kind, "kind", "", "backend kind: electrs or bitcoind (default from settings)")
	cmd.Flags().StringVar(&f.Name, "name", "", "fixture name")
	cmd.Flags().StringVar(&f.NodeDir, "node-dir", "", "full node data directory (required)")
	cmd.Flags().IntVar(&f.NodeRPCPort, "node-rpc-port", 0, "full node RPC port (required)")
	cmd.Flags().IntVar(&f.NodeP2PPort, "node-p2p-port", 0, "full node P2P port")
	cmd.Flags().StringVar(&f.Dir, "dir", "", "storage directory owned by the fixture")
	cmd.Flags().IntVar(&f.Port, "port", 0, "listen port; 0 picks a free one")
	cmd.Flags().StringVar(&f.Executable, "executable", "", "backend executable (default from settings)")
	cmd.Flags().StringVar(&f.Network, "network", "", "chain network (default from settings)")
	cmd.Flags().DurationVar(&f.ReadyTimeout, "ready-timeout", 0, "readiness timeout (default from settings)")

	if err := cmd.MarkFlagRequired("node-dir"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("node-rpc-port"); err != nil {
		panic(err)
	}
}

func createRunCommand(c *command, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a fixture and keep it running until interrupted",
		Long: `Start a fixture, wait until it is ready, print its address and keep it
running until SIGINT or SIGTERM. The fixture is cleaned up on exit.

Examples:
  nodefixture run --node-dir=/tmp/bitcoind --node-rpc-port=18443 --node-p2p-port=18444 --dir=/tmp/electrs
  nodefixture run --kind=bitcoind --node-dir=/tmp/bitcoind --node-rpc-port=18443 --http=127.0.0.1:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	addFixtureFlags(cmd, &flags.FixtureFlags)
	cmd.Flags().StringVar(&flags.HTTPListen, "http", "", "serve fixture status and metrics on this address")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "/api", "base path of the status API")
	return cmd
}

func createRenderCommand(c *command, flags *FixtureFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Write the electrs configuration without starting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Render(cmd.OutOrStdout(), *flags)
		},
	}
	addFixtureFlags(cmd, flags)
	return cmd
}

func createAppendCommand(c *command, flags *AppendFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Point a sibling's config file at a backend",
		Long: `Append the section a sibling daemon reads to find its backend.

Examples:
  nodefixture append --conf=/tmp/lianad/config.toml --port=50001
  nodefixture append --kind=bitcoind --conf=/tmp/lianad/config.toml --node-dir=/tmp/bitcoind --node-rpc-port=18443`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Append(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Kind, "kind", "electrs", "backend kind: electrs or bitcoind")
	cmd.Flags().StringVar(&flags.ConfPath, "conf", "", "sibling config file to append to (required)")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "electrs listen port")
	cmd.Flags().StringVar(&flags.NodeDir, "node-dir", "", "full node data directory")
	cmd.Flags().IntVar(&flags.RPCPort, "node-rpc-port", 0, "full node RPC port")
	cmd.Flags().StringVar(&flags.Network, "network", "", "chain network")
	if err := cmd.MarkFlagRequired("conf"); err != nil {
		panic(err)
	}
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "nodefixture %s\n", version)
		},
	}
}

const shutdownTimeout = 5 * time.Second
