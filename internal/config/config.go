package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/nodefixture/internal/env"
	"github.com/loykin/nodefixture/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by LoadSettings,
// e.g. NODEFIXTURE_ELECTRS_PATH or NODEFIXTURE_LOG_LEVEL.
const EnvPrefix = "NODEFIXTURE"

// Backend kinds understood by the harness.
const (
	BackendElectrs  = "electrs"
	BackendBitcoind = "bitcoind"
)

// Settings holds harness-wide knobs shared by every fixture of a test run.
type Settings struct {
	Backend      string        `toml:"backend" mapstructure:"backend"`
	ElectrsPath  string        `toml:"electrs_path" mapstructure:"electrs_path"`
	Network      string        `toml:"network" mapstructure:"network"`
	ReadyTimeout time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	StopTimeout  time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	ReadyPattern string        `toml:"ready_pattern" mapstructure:"ready_pattern"`
	MinVersion   string        `toml:"min_version" mapstructure:"min_version"`
	ReadyCommand []string      `toml:"ready_command" mapstructure:"ready_command"`
	HistoryDSN   string        `toml:"history_dsn" mapstructure:"history_dsn"`
	Env          []string      `toml:"env" mapstructure:"env"`
	EnvFiles     []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv     bool          `toml:"use_os_env" mapstructure:"use_os_env"`
	Log          LogConfig     `toml:"log" mapstructure:"log"`
}

// LogConfig is the [log] table: harness logger plus where captured fixture
// output is persisted.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Logger converts the [log] table into a logger.Config.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:  l.Level,
		Format: l.Format,
		Color:  l.Color,
		File: logger.FileConfig{
			Dir:        l.Dir,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendElectrs)
	v.SetDefault("electrs_path", "electrs")
	v.SetDefault("network", "regtest")
	v.SetDefault("ready_timeout", 60*time.Second)
	v.SetDefault("stop_timeout", 10*time.Second)
	v.SetDefault("ready_pattern", "")
	v.SetDefault("min_version", "")
	v.SetDefault("ready_command", []string{})
	v.SetDefault("history_dsn", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", 0)
	v.SetDefault("log.max_backups", 0)
	v.SetDefault("log.max_age_days", 0)
	v.SetDefault("log.compress", false)
}

// LoadSettings reads defaults, then the optional TOML file at path, then
// NODEFIXTURE_* environment variables (highest precedence).
func LoadSettings(path string) (Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// DefaultSettings returns the settings LoadSettings yields with no file and
// no environment overrides.
func DefaultSettings() Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	_ = v.Unmarshal(&s)
	return s
}

// Validate checks the settings for values a fixture cannot run with.
func (s Settings) Validate() error {
	var errs []error
	switch s.Backend {
	case BackendElectrs, BackendBitcoind:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want %s or %s)", s.Backend, BackendElectrs, BackendBitcoind))
	}
	if s.Backend == BackendElectrs && strings.TrimSpace(s.ElectrsPath) == "" {
		errs = append(errs, errors.New("electrs_path is required for the electrs backend"))
	}
	if strings.TrimSpace(s.Network) == "" {
		errs = append(errs, errors.New("network is required"))
	}
	if s.ReadyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ready_timeout must be positive, got %s", s.ReadyTimeout))
	}
	if s.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive, got %s", s.StopTimeout))
	}
	if _, err := logger.ParseLevel(s.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// FixtureEnv composes the environment handed to fixture processes.
// Precedence: OS env (when UseOSEnv) < env_files in order < env entries.
func (s Settings) FixtureEnv() (env.Env, error) {
	e := env.New()
	if s.UseOSEnv {
		e = env.FromOS()
	}
	for _, p := range s.EnvFiles {
		m, err := loadEnvFile(p)
		if err != nil {
			return env.Env{}, fmt.Errorf("load env file %s: %w", p, err)
		}
		for k, v := range m {
			e = e.WithSet(k, v)
		}
	}
	for k, v := range env.Parse(s.Env) {
		e = e.WithSet(k, v)
	}
	return e, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
