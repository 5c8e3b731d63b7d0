// Package config loads the runtime configuration that governs the
// evaluator's budgets, logging, and import search path, the way
// codeNERD's internal/config package loads theirs: yaml.v3 over a file
// that defaults cleanly when absent, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the evaluator, loader, and shell need.
type Config struct {
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Logging   LoggingConfig   `yaml:"logging"`
	Import    ImportConfig    `yaml:"import"`
}

// EvaluatorConfig bounds the cascade (spec.md §4.5: "a configurable step
// budget bounds total dispatches") and the transformational fixpoint.
type EvaluatorConfig struct {
	StepBudget     int `yaml:"step_budget"`
	FixpointBudget int `yaml:"fixpoint_budget"`
}

// LoggingConfig configures the zap logger cmd/dpcl builds.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// ImportConfig is the filesystem search path `import` directives resolve
// against (spec.md §6).
type ImportConfig struct {
	SearchPath []string `yaml:"search_path"`
}

// Default returns the configuration a bare `dpcl run` uses when no config
// file is given.
func Default() *Config {
	return &Config{
		Evaluator: EvaluatorConfig{
			StepBudget:     1000,
			FixpointBudget: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Import: ImportConfig{
			SearchPath: []string{"."},
		},
	}
}

// Load reads path as YAML, falling back to Default() if it does not exist.
// Environment variables override the result, in the same style as
// codeNERD's applyEnvOverrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnvOverrides(cfg), nil
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return applyEnvOverrides(cfg), nil
}

func applyEnvOverrides(c *Config) *Config {
	if v := os.Getenv("DPCL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DPCL_STEP_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Evaluator.StepBudget = n
		}
	}
	if v := os.Getenv("DPCL_IMPORT_PATH"); v != "" {
		c.Import.SearchPath = strings.Split(v, string(os.PathListSeparator))
	}
	return c
}
