package config

import (
	"fmt"
	"time"
)

// Budget threshold fractions of the monthly cap. Warning and critical are
// observability-only; emergency refuses all admissions.
const (
	WarningThreshold   = 0.80
	CriticalThreshold  = 0.95
	EmergencyThreshold = 0.98

	// FallbackThreshold is the primary monthly usage fraction beyond which
	// admissions prefer the secondary provider.
	FallbackThreshold = 0.95
)

// BudgetConfig is the shared token budget across all agents.
type BudgetConfig struct {
	// MonthlyLimitPrimary is the enforced monthly token cap for the primary
	// provider. Default is 70% of the 200,000 vendor cap.
	MonthlyLimitPrimary int64 `yaml:"monthly_limit_primary"`

	// MonthlyLimitSecondary is the secondary provider's monthly cap.
	MonthlyLimitSecondary int64 `yaml:"monthly_limit_secondary"`

	// PerRequestLimit caps a single request (input + estimated output).
	PerRequestLimit int64 `yaml:"per_request_limit"`

	// RequestsPerMinute bounds per-provider call rate; callers wait up to
	// RateWaitTimeout for a slot before failing.
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RateWaitTimeout   time.Duration `yaml:"rate_wait_timeout"`

	// ProviderTimeout is the per-call wall-clock deadline.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
}

// DefaultBudgetConfig returns the built-in budget defaults.
func DefaultBudgetConfig() *BudgetConfig {
	return &BudgetConfig{
		MonthlyLimitPrimary:   140_000,
		MonthlyLimitSecondary: 140_000,
		PerRequestLimit:       1_000,
		RequestsPerMinute:     30,
		RateWaitTimeout:       60 * time.Second,
		ProviderTimeout:       30 * time.Second,
	}
}

// DailyLimit derives the per-day sub-limit from a monthly cap.
func DailyLimit(monthly int64) int64 { return monthly / 30 }

// HourlyLimit derives the per-hour sub-limit from a monthly cap.
func HourlyLimit(monthly int64) int64 { return DailyLimit(monthly) / 24 }

// Validate checks budget configuration bounds.
func (c *BudgetConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("budget configuration is nil")
	}
	if c.MonthlyLimitPrimary <= 0 {
		return fmt.Errorf("monthly_limit_primary must be positive")
	}
	if c.MonthlyLimitSecondary < 0 {
		return fmt.Errorf("monthly_limit_secondary must be non-negative")
	}
	if c.PerRequestLimit <= 0 {
		return fmt.Errorf("per_request_limit must be positive")
	}
	if c.RequestsPerMinute < 1 {
		return fmt.Errorf("requests_per_minute must be at least 1")
	}
	if c.RateWaitTimeout <= 0 {
		return fmt.Errorf("rate_wait_timeout must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("provider_timeout must be positive")
	}
	return nil
}

// MonthlyLimitFor returns the monthly cap for a provider slot.
func (c *BudgetConfig) MonthlyLimitFor(p string) int64 {
	if p == "secondary" {
		return c.MonthlyLimitSecondary
	}
	return c.MonthlyLimitPrimary
}
