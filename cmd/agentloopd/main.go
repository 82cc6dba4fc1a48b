// Command agentloopd is the reference daemon/CLI front end for the agentloop
// Task Execution Core: it wires internal/store, internal/taskexec and their
// collaborators into a runnable binary, and exposes the live dashboard and
// per-task tail debug utility as subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentloop/internal/config"
)

var (
	version = "0.1.0"
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentloopd",
		Short: "Task Execution Core daemon",
		Long: `agentloopd supervises long-running, multi-iteration conversations
between a Task Executor and an external code-assistant agent: it loads
tasks from a SQLite store, drives the agent subprocess per iteration, and
persists status, tokens, and interaction history as it goes.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.agentloop/config.yaml)")

	rootCmd.AddCommand(
		newRunCmd(),
		newTaskCmd(),
		newDashboardCmd(),
		newTailCmd(),
		newMaintenanceCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentloopd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

// loadConfig resolves --config (falling back to the default path) and loads
// it, applying the AGENTLOOP_AGENT_BIN/AGENTLOOP_ROOT/AGENTLOOP_DB_PATH
// environment overrides along the way.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
