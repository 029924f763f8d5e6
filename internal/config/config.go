// Package config provides configuration management for swarm.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/swarm/internal/db/driver"
	swarmerrors "github.com/randalmurphal/swarm/internal/errors"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// SwarmDir is the swarm configuration directory under $HOME.
	SwarmDir = ".swarm"
)

// Duration wraps time.Duration so YAML accepts "5m"/"30s" strings
// as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML parses a duration from a string or integer node.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := unmarshal(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StoreConfig selects the coordination store backend.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver,omitempty"`
	// DSN is the postgres connection string; ignored for sqlite, which
	// always lives at <state_root>/swarm.db.
	DSN string `yaml:"dsn,omitempty"`
}

// AgentConfig describes the coding-agent CLI swarm invokes per task.
type AgentConfig struct {
	// Command is the agent binary. The task prompt goes to its stdin and
	// a JSON event stream is expected on its stdout.
	Command string `yaml:"command"`
	// Args are passed verbatim before any model selector.
	Args []string `yaml:"args,omitempty"`
	// Provider and Model are exported to the agent's environment and, for
	// Model, appended as --model when set.
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`
	// PayloadCap bounds the prompt size in bytes.
	PayloadCap int `yaml:"payload_cap"`
}

// WorkersConfig bounds worker fan-out.
type WorkersConfig struct {
	Default   int `yaml:"default"`
	MaxPerRun int `yaml:"max_per_run"`
	MaxGlobal int `yaml:"max_global"`
}

// TimeoutsConfig collects the periods the scheduler and workers run on.
type TimeoutsConfig struct {
	// Task bounds a single agent invocation.
	Task Duration `yaml:"task"`
	// Heartbeat is the worker heartbeat period.
	Heartbeat Duration `yaml:"heartbeat"`
	// Stale is the no-heartbeat window after which a worker is presumed dead.
	// Must be several heartbeat periods.
	Stale Duration `yaml:"stale"`
	// Poll is the scheduler tick.
	Poll Duration `yaml:"poll"`
}

// Config represents the swarm configuration.
type Config struct {
	// Version is the config file version.
	Version int `yaml:"version"`

	// StateRoot holds the store file and per-run worker state.
	StateRoot string `yaml:"state_root"`
	// ProjectsRoot receives published projects after extract.
	ProjectsRoot string `yaml:"projects_root"`
	// Branch is the integration branch workers fork from and merge into.
	Branch string `yaml:"branch"`

	Store    StoreConfig    `yaml:"store"`
	Agent    AgentConfig    `yaml:"agent"`
	Workers  WorkersConfig  `yaml:"workers"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// MaxAttempts bounds retryable failures per task.
	MaxAttempts int `yaml:"max_attempts"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the default configuration. Zero-config operation works:
// every field has a usable value.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Version:      1,
		StateRoot:    filepath.Join(home, SwarmDir, "state"),
		ProjectsRoot: filepath.Join(home, SwarmDir, "projects"),
		Branch:       "main",
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Agent: AgentConfig{
			Command:    "claude",
			Args:       []string{"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"},
			PayloadCap: 256 * 1024,
		},
		Workers: WorkersConfig{
			Default:   2,
			MaxPerRun: 16,
			MaxGlobal: 32,
		},
		Timeouts: TimeoutsConfig{
			Task:      Duration(10 * time.Minute),
			Heartbeat: Duration(5 * time.Second),
			Stale:     Duration(30 * time.Second),
			Poll:      Duration(time.Second),
		},
		MaxAttempts: 3,
		LogLevel:    "info",
	}
}

// Validate checks invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Workers.Default < 1 {
		return swarmerrors.ErrConfigInvalid("workers.default", "must be at least 1")
	}
	if c.Workers.MaxPerRun < 1 || c.Workers.MaxGlobal < 1 {
		return swarmerrors.ErrConfigInvalid("workers", "caps must be at least 1")
	}
	if c.Workers.Default > c.Workers.MaxPerRun {
		return swarmerrors.ErrConfigInvalid("workers.default",
			fmt.Sprintf("exceeds max_per_run (%d)", c.Workers.MaxPerRun))
	}
	if c.Agent.Command == "" {
		return swarmerrors.ErrConfigInvalid("agent.command", "must not be empty")
	}
	if c.Agent.PayloadCap <= 0 {
		return swarmerrors.ErrConfigInvalid("agent.payload_cap", "must be positive")
	}
	if c.Timeouts.Task.Std() <= 0 || c.Timeouts.Heartbeat.Std() <= 0 ||
		c.Timeouts.Stale.Std() <= 0 || c.Timeouts.Poll.Std() <= 0 {
		return swarmerrors.ErrConfigInvalid("timeouts", "all periods must be positive")
	}
	if c.Timeouts.Stale.Std() <= c.Timeouts.Heartbeat.Std() {
		return swarmerrors.ErrConfigInvalid("timeouts.stale",
			"must exceed the heartbeat period, or every worker looks dead")
	}
	if c.MaxAttempts < 1 {
		return swarmerrors.ErrConfigInvalid("max_attempts", "must be at least 1")
	}
	if c.Store.Driver != "" {
		dialect, err := driver.ParseDialect(c.Store.Driver)
		if err != nil {
			return swarmerrors.ErrConfigInvalid("store.driver", err.Error())
		}
		if dialect == driver.DialectPostgres && c.Store.DSN == "" {
			return swarmerrors.ErrConfigInvalid("store.dsn", "required for the postgres driver")
		}
	}
	return nil
}

// StoreDialect resolves the configured store driver name. An empty driver
// means the SQLite default.
func (c *Config) StoreDialect() (driver.Dialect, error) {
	if c.Store.Driver == "" {
		return driver.DialectSQLite, nil
	}
	return driver.ParseDialect(c.Store.Driver)
}

// StorePath returns the SQLite store file path.
func (c *Config) StorePath() string {
	return filepath.Join(c.StateRoot, "swarm.db")
}

// Save writes the config as YAML to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
