// Package config loads sprintd configuration from YAML files and
// environment variables. Precedence, highest first: environment,
// project-local config, global config, built-in defaults.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// RoleConfig describes the external command backing one worker role.
type RoleConfig struct {
	Command      string   `koanf:"command"`
	Args         []string `koanf:"args"`
	Model        string   `koanf:"model"`
	SystemPrompt string   `koanf:"system_prompt"`
	WorkDir      string   `koanf:"workdir"`
}

// LimitsConfig holds the loop thresholds. Values are copied into the
// snapshot at sprint creation and never re-read afterwards.
type LimitsConfig struct {
	Budget              int `koanf:"budget"`
	StagnationThreshold int `koanf:"stagnation_threshold"`
	TaskAttemptLimit    int `koanf:"task_attempt_limit"`
	GateRetryCeiling    int `koanf:"gate_retry_ceiling"`
	ExitMaxCycles       int `koanf:"exit_max_cycles"`
}

// RetryConfig tunes worker transport retries.
type RetryConfig struct {
	InitialInterval     time.Duration `koanf:"initial_interval"`
	MaxInterval         time.Duration `koanf:"max_interval"`
	MaxElapsedTime      time.Duration `koanf:"max_elapsed_time"`
	Multiplier          float64       `koanf:"multiplier"`
	RandomizationFactor float64       `koanf:"randomization_factor"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Config is the full sprintd configuration.
type Config struct {
	StateDir string                `koanf:"state_dir"`
	Limits   LimitsConfig          `koanf:"limits"`
	Roles    map[string]RoleConfig `koanf:"roles"`
	Retry    RetryConfig           `koanf:"retry"`
	Logging  LoggingConfig         `koanf:"logging"`
}

// DatabasePath returns the SQLite file holding sprint state.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "sprints.db")
}

// Default returns the built-in configuration. Every role maps to the
// same CLI by default; per-role overrides change the command, model, or
// system prompt independently.
func Default() *Config {
	roles := map[string]RoleConfig{}
	prompts := map[string]string{
		"planner":    "You decompose a product vision into small, verifiable tasks.",
		"builder":    "You implement one task at a time and report completion honestly.",
		"gatekeeper": "You review the current plan against a single quality gate.",
		"verifier":   "You verify acceptance criteria with evidence, trusting nothing.",
		"evaluator":  "You judge delivered value against the vision, without context.",
		"recovery":   "You restructure stalled plans: unblock, reshape, or descope.",
	}
	for role, prompt := range prompts {
		roles[role] = RoleConfig{
			Command:      "claude",
			Args:         []string{"-p", "--output-format", "json"},
			SystemPrompt: prompt,
		}
	}
	return &Config{
		StateDir: filepath.Join(xdg.DataHome, "sprintd"),
		Limits: LimitsConfig{
			Budget:              100,
			StagnationThreshold: 5,
			TaskAttemptLimit:    3,
			GateRetryCeiling:    3,
			ExitMaxCycles:       3,
		},
		Roles: roles,
		Retry: RetryConfig{
			InitialInterval:     100 * time.Millisecond,
			MaxInterval:         10 * time.Second,
			MaxElapsedTime:      2 * time.Minute,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	if c.Limits.Budget <= 0 {
		return fmt.Errorf("limits.budget must be positive, got %d", c.Limits.Budget)
	}
	if c.Limits.StagnationThreshold <= 0 {
		return fmt.Errorf("limits.stagnation_threshold must be positive, got %d", c.Limits.StagnationThreshold)
	}
	if c.Limits.TaskAttemptLimit <= 0 {
		return fmt.Errorf("limits.task_attempt_limit must be positive, got %d", c.Limits.TaskAttemptLimit)
	}
	if c.Limits.GateRetryCeiling <= 0 {
		return fmt.Errorf("limits.gate_retry_ceiling must be positive, got %d", c.Limits.GateRetryCeiling)
	}
	if c.Limits.ExitMaxCycles <= 0 {
		return fmt.Errorf("limits.exit_max_cycles must be positive, got %d", c.Limits.ExitMaxCycles)
	}
	for name, role := range c.Roles {
		if role.Command == "" {
			return fmt.Errorf("role %q has no command", name)
		}
	}
	return nil
}
