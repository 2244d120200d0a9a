package main

import "time"

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// FixtureFlags describe the fixture to build. Flag structs decouple cobra
// from logic for testing.
type FixtureFlags struct {
	Kind         string
	Name         string
	NodeDir      string
	NodeRPCPort  int
	NodeP2PPort  int
	Dir          string
	Port         int
	Executable   string
	Network      string
	ReadyTimeout time.Duration
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	FixtureFlags
	HTTPListen string // empty disables the status server
	BasePath   string
}

// AppendFlags holds flags for the append command.
type AppendFlags struct {
	Kind     string
	ConfPath string
	Port     int // electrs listen port
	NodeDir  string
	RPCPort  int
	Network  string
}
