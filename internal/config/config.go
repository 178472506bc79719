package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models quorum.yml.
type Config struct {
	Engine struct {
		// MaxRetryDepth bounds how many times a single action may be
		// re-evaluated through condition-driven retries.
		MaxRetryDepth int `yaml:"max_retry_depth"`
		// MaxNestingDepth bounds the nested permission lookup.
		MaxNestingDepth int `yaml:"max_nesting_depth"`
	} `yaml:"engine"`
	Conditions struct {
		VotingPeriodHours     float64 `yaml:"voting_period_hours"`
		ConsensusMinimumHours float64 `yaml:"consensus_minimum_hours"`
	} `yaml:"conditions"`
	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.MaxRetryDepth <= 0 {
		return fmt.Errorf("config.engine.max_retry_depth must be positive")
	}
	if c.Engine.MaxNestingDepth <= 0 {
		return fmt.Errorf("config.engine.max_nesting_depth must be positive")
	}
	if c.Conditions.VotingPeriodHours <= 0 {
		return fmt.Errorf("config.conditions.voting_period_hours must be positive")
	}
	if c.Conditions.ConsensusMinimumHours < 0 {
		return fmt.Errorf("config.conditions.consensus_minimum_hours cannot be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "quorum.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Engine.MaxRetryDepth = 10
	cfg.Engine.MaxNestingDepth = 10
	cfg.Conditions.VotingPeriodHours = 168
	cfg.Conditions.ConsensusMinimumHours = 48
	cfg.Server.BasePath = "/api/v1"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields left out
// of the file keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config as YAML for quorum init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `engine:
  max_retry_depth: 10
  max_nesting_depth: 10

conditions:
  voting_period_hours: 168
  consensus_minimum_hours: 48

server:
  base_path: /api/v1
`
