// Package cli implements the swarm command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/swarm/internal/config"
	"github.com/randalmurphal/swarm/internal/db"
	"github.com/randalmurphal/swarm/internal/db/driver"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	jsonOut bool

	// plain disables glyphs and screen control when stdout is not a terminal.
	plain = !isatty.IsTerminal(os.Stdout.Fd())
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Parallel coding-agent orchestrator",
	Long: `swarm runs a development plan or a free-text request as parallel
coding-agent tasks, each in its own git checkout, and merges the results.

Features:
  • Plan checklists or decomposed prompts as task sources
  • Parallel workers in isolated checkouts with file-lock coordination
  • Durable runs: stop, crash, and resume without repeating finished work
  • Octopus merge back to the integration branch, conflicts surfaced
  • Plan write-back: completed items get checked off in the source file

Quick start:
  swarm run --plan PLAN.md        Execute a plan's unchecked items
  swarm run "Add request tracing" Decompose and execute a prompt
  swarm status                    Show runs and workers
  swarm resume <run-id>           Pick up a stopped or failed run`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.swarm/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	// Add subcommands
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newKillCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in .swarm directories
		viper.AddConfigPath(".swarm")
		viper.AddConfigPath("$HOME/.swarm")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("SWARM")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// loadConfig builds the effective configuration: defaults, then the config
// file viper located (or --config), then SWARM_* environment overrides.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	return config.Load(path)
}

// openStore opens the coordination store the config points at.
func openStore(cfg *config.Config) (*db.Store, error) {
	dialect, err := cfg.StoreDialect()
	if err != nil {
		return nil, err
	}
	if dialect == driver.DialectPostgres {
		return db.OpenStoreWithDialect(cfg.Store.DSN, dialect)
	}
	return db.OpenStore(cfg.StorePath())
}

// buildLogger returns the CLI logger. Worker and scheduler internals log
// through it to stderr; stdout stays clean for command output.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
