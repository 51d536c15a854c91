package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points every config source at an empty temp location so tests
// never pick up the developer's real files.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != ".supervisr" {
		t.Errorf("default data_dir = %q", cfg.DataDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log_level = %q", cfg.LogLevel)
	}
	if cfg.MaxRepeatedActions != 3 {
		t.Errorf("default max_repeated_actions = %d", cfg.MaxRepeatedActions)
	}
	if cfg.MaxStallCycles != 6 {
		t.Errorf("default max_stall_cycles = %d", cfg.MaxStallCycles)
	}
	if cfg.MaxTotalCycles != 50 {
		t.Errorf("default max_total_cycles = %d", cfg.MaxTotalCycles)
	}
	if cfg.DecisionTimeout != 2*time.Minute {
		t.Errorf("default decision_timeout = %s", cfg.DecisionTimeout)
	}
	if cfg.ToolTimeout != 5*time.Minute {
		t.Errorf("default tool_timeout = %s", cfg.ToolTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SUPERVISR_MAX_TOTAL_CYCLES", "7")
	t.Setenv("SUPERVISR_BRAIN_COMMAND", "decide.sh")
	t.Setenv("SUPERVISR_DECISION_TIMEOUT", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxTotalCycles != 7 {
		t.Errorf("env max_total_cycles = %d", cfg.MaxTotalCycles)
	}
	if cfg.BrainCommand != "decide.sh" {
		t.Errorf("env brain_command = %q", cfg.BrainCommand)
	}
	if cfg.DecisionTimeout != 30*time.Second {
		t.Errorf("env decision_timeout = %s", cfg.DecisionTimeout)
	}
}

func TestLoadProjectConfig(t *testing.T) {
	isolate(t)

	yml := []byte("max_stall_cycles: 9\nbrain_command: project-brain\n")
	if err := os.WriteFile(ProjectPath(), yml, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxStallCycles != 9 {
		t.Errorf("project max_stall_cycles = %d", cfg.MaxStallCycles)
	}
	if cfg.BrainCommand != "project-brain" {
		t.Errorf("project brain_command = %q", cfg.BrainCommand)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxRepeatedActions != 3 {
		t.Errorf("default max_repeated_actions = %d", cfg.MaxRepeatedActions)
	}
}

func TestProjectOverridesGlobal(t *testing.T) {
	isolate(t)

	globalDir := filepath.Dir(GlobalPath())
	if err := os.MkdirAll(globalDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(GlobalPath(), []byte("max_total_cycles: 10\nlog_level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ProjectPath(), []byte("max_total_cycles: 20\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxTotalCycles != 20 {
		t.Errorf("project must win: max_total_cycles = %d", cfg.MaxTotalCycles)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("global-only key lost: log_level = %q", cfg.LogLevel)
	}
}

func TestWriteAndExists(t *testing.T) {
	isolate(t)

	if Exists() {
		t.Fatal("no config should exist in isolation")
	}

	cfg := &Config{DataDir: ".supervisr", MaxTotalCycles: 42}
	if err := WriteProject(cfg); err != nil {
		t.Fatalf("WriteProject failed: %v", err)
	}
	if !Exists() {
		t.Error("Exists must see the project config")
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.MaxTotalCycles != 42 {
		t.Errorf("round trip lost max_total_cycles: %d", loaded.MaxTotalCycles)
	}
}
