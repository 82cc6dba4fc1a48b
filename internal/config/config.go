// Package config loads agentloop's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/agentloop/internal/logging"
)

// Config is the root configuration for agentloopd, loaded from YAML with
// environment variable expansion. Use Load to read from a file or
// DefaultConfig for sensible defaults.
type Config struct {
	Version     string             `yaml:"version"`
	AgentBinary string             `yaml:"agent_binary"`
	Root        string             `yaml:"root"`
	DBPath      string             `yaml:"db_path"`
	Logging     *logging.Config    `yaml:"logging"`
	Agent       *AgentConfig       `yaml:"agent"`
	Worktree    *WorktreeConfig    `yaml:"worktree"`
	EndCriteria *EndCriteriaConfig `yaml:"end_criteria"`
	Dashboard   *DashboardConfig   `yaml:"dashboard"`
	Maintenance *MaintenanceConfig `yaml:"maintenance"`
	TestRunner  *TestRunnerConfig  `yaml:"test_runner"`
	Stagnation  *StagnationConfig  `yaml:"stagnation"`
	RateQueue   *RateQueueConfig   `yaml:"rate_queue"`
	Projects    []*ProjectConfig   `yaml:"projects"`
}

// AgentConfig controls how the Agent Subprocess Driver spawns the CLI agent.
type AgentConfig struct {
	Model                  string        `yaml:"model"`
	Effort                 string        `yaml:"effort"`
	ExtraArgs              []string      `yaml:"extra_args"`
	GracePeriod            time.Duration `yaml:"grace_period"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatCheckInterval time.Duration `yaml:"heartbeat_check_interval"`
	InterruptPollInterval  time.Duration `yaml:"interrupt_poll_interval"`
	InterruptGracePeriod   time.Duration `yaml:"interrupt_grace_period"`
}

// WorktreeConfig controls the Worktree Manager.
type WorktreeConfig struct {
	DirName  string `yaml:"dir_name"` // ".claude_worktrees" by default
	PoolSize int    `yaml:"pool_size"`
}

// EndCriteriaConfig holds the default end-criteria applied to new tasks
// when the task itself does not override them.
type EndCriteriaConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	MaxTokens     *int64 `yaml:"max_tokens,omitempty"`
}

// DashboardConfig controls the bubbletea live task-list TUI.
type DashboardConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// MaintenanceConfig controls the cron-scheduled periodic maintenance job.
type MaintenanceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Schedule       string        `yaml:"schedule"` // cron expression
	QueueRetention time.Duration `yaml:"queue_retention"`
	OrphanScanRoot string        `yaml:"orphan_scan_root"`
}

// TestRunnerConfig configures the default shell-command-based TestRunner.
type TestRunnerConfig struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// StagnationConfig controls the optional stagnation-detection supplement
// to the Task Executor's Decision step.
type StagnationConfig struct {
	Enabled              bool          `yaml:"enabled"`
	WarnAfter            time.Duration `yaml:"warn_after"`
	PauseAfter           time.Duration `yaml:"pause_after"`
	AbortAfter           time.Duration `yaml:"abort_after"`
	IdenticalStateWindow int           `yaml:"identical_state_window"`
}

// RateQueueConfig is loaded with the rest of the config file. The daemon
// does not pass it to internal/ratequeue: ratequeue.New takes no
// configuration, and its attempt limit (ratequeue.MaxAttempts) and backoff
// schedule are fixed constants.
type RateQueueConfig struct {
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
}

// ProjectConfig describes a project/module agentloop can target.
type ProjectConfig struct {
	Path          string `yaml:"path"`
	Description   string `yaml:"description"`
	Access        string `yaml:"access"`       // "read" or "write"
	ProjectType   string `yaml:"project_type"` // rpc, web, idl, sdk, other
	DefaultBranch string `yaml:"default_branch"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version:     "1.0",
		AgentBinary: "claude",
		Root:        ".",
		DBPath:      filepath.Join(homeDir, ".agentloop", "agentloop.db"),
		Logging:     logging.DefaultConfig(),
		Agent: &AgentConfig{
			Model:                  "",
			GracePeriod:            5 * time.Second,
			HeartbeatTimeout:       5 * time.Minute,
			HeartbeatCheckInterval: 30 * time.Second,
			InterruptPollInterval:  50 * time.Millisecond,
			InterruptGracePeriod:   500 * time.Millisecond,
		},
		Worktree: &WorktreeConfig{
			DirName:  ".claude_worktrees",
			PoolSize: 0,
		},
		EndCriteria: &EndCriteriaConfig{
			MaxIterations: 20,
			MaxTokens:     nil,
		},
		Dashboard: &DashboardConfig{
			RefreshInterval: time.Second,
		},
		Maintenance: &MaintenanceConfig{
			Enabled:        false,
			Schedule:       "0 3 * * *",
			QueueRetention: 7 * 24 * time.Hour,
		},
		TestRunner: &TestRunnerConfig{
			Command: "",
			Timeout: 10 * time.Minute,
		},
		Stagnation: &StagnationConfig{
			Enabled:              false,
			WarnAfter:            10 * time.Minute,
			PauseAfter:           30 * time.Minute,
			AbortAfter:           0,
			IdenticalStateWindow: 3,
		},
		RateQueue: &RateQueueConfig{
			MaxRetryAttempts: 3,
			BaseBackoff:      30 * time.Second,
		},
		Projects: []*ProjectConfig{},
	}
}

// Load reads and parses configuration from a YAML file at path, expanding
// environment variables using os.ExpandEnv syntax. Missing files yield
// defaults, matching the teacher's forgiving Load behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Root = expandPath(cfg.Root)
	cfg.DBPath = expandPath(cfg.DBPath)
	for _, p := range cfg.Projects {
		p.Path = expandPath(p.Path)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies the three environment variables the core reads
// directly, per spec.md §6: agent binary name, default project root,
// database URL/path.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTLOOP_AGENT_BIN"); v != "" {
		cfg.AgentBinary = v
	}
	if v := os.Getenv("AGENTLOOP_ROOT"); v != "" {
		cfg.Root = expandPath(v)
	}
	if v := os.Getenv("AGENTLOOP_DB_PATH"); v != "" {
		cfg.DBPath = expandPath(v)
	}
}

// Save writes the configuration to a YAML file at path, creating the parent
// directory if needed.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DefaultConfigPath returns ~/.agentloop/config.yaml.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".agentloop", "config.yaml")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate checks the configuration for obvious errors.
func (c *Config) Validate() error {
	if c.AgentBinary == "" {
		return fmt.Errorf("agent_binary is required")
	}
	if c.EndCriteria != nil && c.EndCriteria.MaxIterations <= 0 {
		return fmt.Errorf("end_criteria.max_iterations must be positive")
	}
	return nil
}

// GetProject returns the project configuration for a filesystem path.
func (c *Config) GetProject(path string) *ProjectConfig {
	for _, p := range c.Projects {
		if p.Path == path {
			return p
		}
	}
	return nil
}
