// Package config provides centralized configuration management using Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for supervisr.
type Config struct {
	DataDir            string        `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel           string        `mapstructure:"log_level" yaml:"log_level"`
	LogFile            string        `mapstructure:"log_file" yaml:"log_file"`
	BrainCommand       string        `mapstructure:"brain_command" yaml:"brain_command"`
	PatternsFile       string        `mapstructure:"patterns_file" yaml:"patterns_file"`
	MaxRepeatedActions int           `mapstructure:"max_repeated_actions" yaml:"max_repeated_actions"`
	MaxStallCycles     int           `mapstructure:"max_stall_cycles" yaml:"max_stall_cycles"`
	MaxTotalCycles     int           `mapstructure:"max_total_cycles" yaml:"max_total_cycles"`
	DecisionTimeout    time.Duration `mapstructure:"decision_timeout" yaml:"decision_timeout"`
	ToolTimeout        time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
}

// Load loads configuration with full precedence:
// CLI flags > ENV vars > project config > XDG global config > defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("supervisr")

	// Defaults. Gate thresholds mirror the documented termination
	// semantics: 3 identical actions => LOOPING, 6 stalled cycles =>
	// STALLED, 50 cycles => EXCEEDED_BUDGET.
	v.SetDefault("data_dir", ".supervisr")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("brain_command", "")
	v.SetDefault("patterns_file", "")
	v.SetDefault("max_repeated_actions", 3)
	v.SetDefault("max_stall_cycles", 6)
	v.SetDefault("max_total_cycles", 50)
	v.SetDefault("decision_timeout", 2*time.Minute)
	v.SetDefault("tool_timeout", 5*time.Minute)

	// Setup ENV binding with SUPERVISR_ prefix
	v.SetEnvPrefix("SUPERVISR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Explicit ENV bindings for better bool/int/duration parsing
	bindings := map[string]string{
		"data_dir":             "SUPERVISR_DATA_DIR",
		"log_level":            "SUPERVISR_LOG_LEVEL",
		"log_file":             "SUPERVISR_LOG_FILE",
		"brain_command":        "SUPERVISR_BRAIN_COMMAND",
		"patterns_file":        "SUPERVISR_PATTERNS_FILE",
		"max_repeated_actions": "SUPERVISR_MAX_REPEATED_ACTIONS",
		"max_stall_cycles":     "SUPERVISR_MAX_STALL_CYCLES",
		"max_total_cycles":     "SUPERVISR_MAX_TOTAL_CYCLES",
		"decision_timeout":     "SUPERVISR_DECISION_TIMEOUT",
		"tool_timeout":         "SUPERVISR_TOOL_TIMEOUT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}

	// Load global config first (if exists)
	globalPath := GlobalPath()
	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}

	// Merge project config on top (if exists)
	projectPath := ProjectPath()
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns the XDG global config path.
// Returns ~/.config/supervisr/supervisr.yml or $XDG_CONFIG_HOME/supervisr/supervisr.yml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "supervisr", "supervisr.yml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "supervisr", "supervisr.yml")
}

// ProjectPath returns the project-local config path.
// Returns ./supervisr.yml in the current working directory.
func ProjectPath() string {
	return "supervisr.yml"
}

// WriteGlobal writes the config to the XDG global location.
func WriteGlobal(cfg *Config) error {
	path := GlobalPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// WriteProject writes the config to the project-local location.
func WriteProject(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(ProjectPath(), data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
