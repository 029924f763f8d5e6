package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration in override order:
//  1. Built-in defaults
//  2. User config (~/.swarm/config.yaml) - optional
//  3. Explicit config file (path argument) - optional
//  4. Environment variables (SWARM_*)
func Load(path string) (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, SwarmDir, ConfigFileName)
		if _, err := os.Stat(userPath); err == nil {
			if err := mergeFromFile(cfg, userPath); err != nil {
				slog.Warn("failed to load user config", "path", userPath, "error", err)
			}
		}
	}

	if path != "" {
		if err := mergeFromFile(cfg, path); err != nil {
			return nil, err
		}
	}

	ApplyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFromFile overlays the YAML file at path onto cfg. Unset fields keep
// their current values because yaml only writes keys present in the file.
func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// EnvVarMapping defines the environment variables swarm honors.
var EnvVarMapping = map[string]string{
	"SWARM_STATE_ROOT":        "state_root",
	"SWARM_PROJECTS_ROOT":     "projects_root",
	"SWARM_BRANCH":            "branch",
	"SWARM_STORE_DRIVER":      "store.driver",
	"SWARM_STORE_DSN":         "store.dsn",
	"SWARM_AGENT_COMMAND":     "agent.command",
	"SWARM_AGENT_PROVIDER":    "agent.provider",
	"SWARM_AGENT_MODEL":       "agent.model",
	"SWARM_AGENT_PAYLOAD_CAP": "agent.payload_cap",
	"SWARM_WORKERS":           "workers.default",
	"SWARM_MAX_WORKERS":       "workers.max_per_run",
	"SWARM_MAX_WORKERS_TOTAL": "workers.max_global",
	"SWARM_TASK_TIMEOUT":      "timeouts.task",
	"SWARM_HEARTBEAT":         "timeouts.heartbeat",
	"SWARM_STALE_THRESHOLD":   "timeouts.stale",
	"SWARM_POLL_INTERVAL":     "timeouts.poll",
	"SWARM_MAX_ATTEMPTS":      "max_attempts",
	"SWARM_LOG_LEVEL":         "log_level",
}

// ApplyEnvVars applies environment variable overrides to cfg.
// Returns the config paths that were overridden.
func ApplyEnvVars(cfg *Config) []string {
	var overridden []string
	for envVar, configPath := range EnvVarMapping {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}
		if applyEnvVar(cfg, configPath, value) {
			overridden = append(overridden, configPath)
		}
	}
	return overridden
}

func applyEnvVar(cfg *Config, path, value string) bool {
	switch path {
	case "state_root":
		cfg.StateRoot = value
	case "projects_root":
		cfg.ProjectsRoot = value
	case "branch":
		cfg.Branch = value
	case "store.driver":
		cfg.Store.Driver = value
	case "store.dsn":
		cfg.Store.DSN = value
	case "agent.command":
		cfg.Agent.Command = value
	case "agent.provider":
		cfg.Agent.Provider = value
	case "agent.model":
		cfg.Agent.Model = value
	case "agent.payload_cap":
		n, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		cfg.Agent.PayloadCap = n
	case "workers.default":
		n, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		cfg.Workers.Default = n
	case "workers.max_per_run":
		n, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		cfg.Workers.MaxPerRun = n
	case "workers.max_global":
		n, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		cfg.Workers.MaxGlobal = n
	case "timeouts.task":
		d, err := time.ParseDuration(value)
		if err != nil {
			return false
		}
		cfg.Timeouts.Task = Duration(d)
	case "timeouts.heartbeat":
		d, err := time.ParseDuration(value)
		if err != nil {
			return false
		}
		cfg.Timeouts.Heartbeat = Duration(d)
	case "timeouts.stale":
		d, err := time.ParseDuration(value)
		if err != nil {
			return false
		}
		cfg.Timeouts.Stale = Duration(d)
	case "timeouts.poll":
		d, err := time.ParseDuration(value)
		if err != nil {
			return false
		}
		cfg.Timeouts.Poll = Duration(d)
	case "max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		cfg.MaxAttempts = n
	case "log_level":
		cfg.LogLevel = value
	default:
		return false
	}
	return true
}
