// Package config loads and saves Foreman's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/foremanhq/foreman/internal/agents"
	"github.com/foremanhq/foreman/internal/alerts"
	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/costwatch"
	"github.com/foremanhq/foreman/internal/gateway"
	"github.com/foremanhq/foreman/internal/logging"
	"github.com/foremanhq/foreman/internal/orchestrator"
	"github.com/foremanhq/foreman/internal/queue"
	"github.com/foremanhq/foreman/internal/scheduler"
	"github.com/foremanhq/foreman/internal/tracker/github"
)

// Config represents the main configuration
type Config struct {
	Version      string                 `yaml:"version"`
	Data         *DataConfig            `yaml:"data"`
	Logging      *logging.Config        `yaml:"logging"`
	Queue        *queue.Config          `yaml:"queue"`
	Assigner     *agents.AssignerConfig `yaml:"assigner"`
	Orchestrator *orchestrator.Config   `yaml:"orchestrator"`
	Budget       *budget.Config         `yaml:"budget"`
	CostWatch    *costwatch.Config      `yaml:"costwatch"`
	Tracker      *TrackerConfig         `yaml:"tracker"`
	Alerts       *alerts.Config         `yaml:"alerts"`
	Gateway      *gateway.Config        `yaml:"gateway"`
	Scheduler    *scheduler.Config      `yaml:"scheduler"`
	Reports      *ReportsConfig         `yaml:"reports"`
}

// DataConfig holds storage location settings
type DataConfig struct {
	Path string `yaml:"path"`
}

// TrackerConfig holds issue tracker configurations
type TrackerConfig struct {
	GitHub *github.Config `yaml:"github"`
}

// ReportsConfig holds report output settings
type ReportsConfig struct {
	Dir string `yaml:"dir"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version: "1.0",
		Data: &DataConfig{
			Path: filepath.Join(homeDir, ".foreman", "data"),
		},
		Logging:      logging.DefaultConfig(),
		Queue:        queue.DefaultConfig(),
		Assigner:     agents.DefaultAssignerConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Budget:       budget.DefaultConfig(),
		CostWatch:    costwatch.DefaultConfig(),
		Tracker: &TrackerConfig{
			GitHub: github.DefaultConfig(),
		},
		Alerts:    alerts.DefaultConfig(),
		Gateway:   gateway.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Reports: &ReportsConfig{
			Dir: filepath.Join(homeDir, ".foreman", "reports"),
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Expand paths
	if config.Data != nil {
		config.Data.Path = expandPath(config.Data.Path)
	}
	if config.Reports != nil {
		config.Reports.Dir = expandPath(config.Reports.Dir)
	}
	if config.Orchestrator != nil {
		config.Orchestrator.LogDir = expandPath(config.Orchestrator.LogDir)
		for i := range config.Orchestrator.Workers {
			config.Orchestrator.Workers[i].Dir = expandPath(config.Orchestrator.Workers[i].Dir)
		}
	}

	return config, nil
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".foreman", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Gateway == nil {
		return fmt.Errorf("gateway configuration is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Data == nil || c.Data.Path == "" {
		return fmt.Errorf("data path is required")
	}
	if c.Tracker != nil && c.Tracker.GitHub != nil && c.Tracker.GitHub.Enabled {
		gh := c.Tracker.GitHub
		if gh.Token == "" || gh.Owner == "" || gh.Repo == "" {
			return fmt.Errorf("tracker requires token, owner, and repo when enabled")
		}
	}
	if c.CostWatch != nil && c.CostWatch.Enabled && c.CostWatch.DeltaThresholdUSD <= 0 {
		return fmt.Errorf("costwatch delta threshold must be positive")
	}
	if c.Orchestrator != nil {
		seen := make(map[string]bool)
		for _, worker := range c.Orchestrator.Workers {
			if worker.ID == "" || worker.Command == "" {
				return fmt.Errorf("worker requires id and command")
			}
			if seen[worker.ID] {
				return fmt.Errorf("duplicate worker id %q", worker.ID)
			}
			seen[worker.ID] = true
		}
	}
	return nil
}
