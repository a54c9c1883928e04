package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CTG813819/lvl-up-sub003/pkg/models"
)

// parseDuration parses a duration field from an override file. Empty
// means unset and leaves the default untouched.
func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// UnmarshalYAML decodes an agent schedule with human-readable durations
// ("45m", "2h").
func (s *AgentSchedule) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Interval   string `yaml:"interval"`
		Timeout    string `yaml:"timeout"`
		Retries    *int   `yaml:"retries"`
		RetryDelay string `yaml:"retry_delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	if s.Interval, err = parseDuration("interval", raw.Interval); err != nil {
		return err
	}
	if s.Timeout, err = parseDuration("timeout", raw.Timeout); err != nil {
		return err
	}
	if s.RetryDelay, err = parseDuration("retry_delay", raw.RetryDelay); err != nil {
		return err
	}
	if raw.Retries != nil {
		s.Retries = *raw.Retries
	}
	return nil
}

// UnmarshalYAML decodes the scheduler section.
func (c *SchedulerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxConcurrentAgents     int                                  `yaml:"max_concurrent_agents"`
		CustodyDelay            string                               `yaml:"custody_delay"`
		CustodyTimeout          string                               `yaml:"custody_timeout"`
		CooldownRecoveryWindow  string                               `yaml:"cooldown_recovery_window"`
		GracefulShutdownTimeout string                               `yaml:"graceful_shutdown_timeout"`
		Agents                  map[models.AgentType]AgentSchedule `yaml:"agents"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	if c.CustodyDelay, err = parseDuration("custody_delay", raw.CustodyDelay); err != nil {
		return err
	}
	if c.CustodyTimeout, err = parseDuration("custody_timeout", raw.CustodyTimeout); err != nil {
		return err
	}
	if c.CooldownRecoveryWindow, err = parseDuration("cooldown_recovery_window", raw.CooldownRecoveryWindow); err != nil {
		return err
	}
	if c.GracefulShutdownTimeout, err = parseDuration("graceful_shutdown_timeout", raw.GracefulShutdownTimeout); err != nil {
		return err
	}
	c.MaxConcurrentAgents = raw.MaxConcurrentAgents
	c.Agents = raw.Agents
	return nil
}

// UnmarshalYAML decodes the budget section.
func (c *BudgetConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MonthlyLimitPrimary   int64  `yaml:"monthly_limit_primary"`
		MonthlyLimitSecondary int64  `yaml:"monthly_limit_secondary"`
		PerRequestLimit       int64  `yaml:"per_request_limit"`
		RequestsPerMinute     int    `yaml:"requests_per_minute"`
		RateWaitTimeout       string `yaml:"rate_wait_timeout"`
		ProviderTimeout       string `yaml:"provider_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	if c.RateWaitTimeout, err = parseDuration("rate_wait_timeout", raw.RateWaitTimeout); err != nil {
		return err
	}
	if c.ProviderTimeout, err = parseDuration("provider_timeout", raw.ProviderTimeout); err != nil {
		return err
	}
	c.MonthlyLimitPrimary = raw.MonthlyLimitPrimary
	c.MonthlyLimitSecondary = raw.MonthlyLimitSecondary
	c.PerRequestLimit = raw.PerRequestLimit
	c.RequestsPerMinute = raw.RequestsPerMinute
	return nil
}
