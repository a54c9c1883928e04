package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the root runtime configuration.
type Config struct {
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Budget    *BudgetConfig    `yaml:"budget"`
	LLM       *LLMConfig       `yaml:"llm"`

	// AdminToken guards the admin-only reset endpoints; empty disables them.
	AdminToken string `yaml:"-"`
}

// fileConfig is the shape of the optional override file. All sections are
// optional; present fields override defaults.
type fileConfig struct {
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Budget    *BudgetConfig    `yaml:"budget"`
	LLM       *LLMConfig       `yaml:"llm"`
}

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Merge the SCHEDULER_CONFIG_PATH override file, if set (YAML; JSON
//     files parse as the YAML subset they are)
//  3. Apply environment variable overrides
//  4. Validate everything
func Initialize() (*Config, error) {
	cfg := &Config{
		Scheduler: DefaultSchedulerConfig(),
		Budget:    DefaultBudgetConfig(),
		LLM:       DefaultLLMConfig(),
	}

	if path := os.Getenv("SCHEDULER_CONFIG_PATH"); path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load override file: %w", err)
		}
		slog.Info("Loaded configuration overrides", "path", path)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Scheduler.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler configuration: %w", err)
	}
	if err := cfg.Budget.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget configuration: %w", err)
	}

	return cfg, nil
}

// mergeFile overlays the override file onto cfg. File values win over
// defaults; zero values in the file leave defaults untouched.
func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if fc.Scheduler != nil {
		if err := mergo.Merge(cfg.Scheduler, fc.Scheduler, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging scheduler config: %w", err)
		}
	}
	if fc.Budget != nil {
		if err := mergo.Merge(cfg.Budget, fc.Budget, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging budget config: %w", err)
		}
	}
	if fc.LLM != nil {
		if err := mergo.Merge(cfg.LLM, fc.LLM, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging llm config: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides applies environment settings on top of file values.
func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt64("MONTHLY_LIMIT_PRIMARY"); ok {
		cfg.Budget.MonthlyLimitPrimary = v
	}
	if v, ok := envInt64("MONTHLY_LIMIT_SECONDARY"); ok {
		cfg.Budget.MonthlyLimitSecondary = v
	}

	cfg.LLM.Primary.APIKey = os.Getenv("PRIMARY_PROVIDER_KEY")
	cfg.LLM.Secondary.APIKey = os.Getenv("SECONDARY_PROVIDER_KEY")
	if v := os.Getenv("PRIMARY_PROVIDER_URL"); v != "" {
		cfg.LLM.Primary.BaseURL = v
	}
	if v := os.Getenv("SECONDARY_PROVIDER_URL"); v != "" {
		cfg.LLM.Secondary.BaseURL = v
	}
	if v := os.Getenv("PRIMARY_MODEL"); v != "" {
		cfg.LLM.Primary.Model = v
	}
	if v := os.Getenv("SECONDARY_MODEL"); v != "" {
		cfg.LLM.Secondary.Model = v
	}

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
}

func envInt64(key string) (int64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("Ignoring non-numeric environment override", "key", key, "value", raw)
		return 0, false
	}
	return v, true
}

// LogLevelFromEnv maps LOG_LEVEL to a slog level, defaulting to info.
func LogLevelFromEnv() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
