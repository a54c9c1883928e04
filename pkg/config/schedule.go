// Package config loads and validates runtime configuration: per-agent
// schedules, the shared token budget, provider endpoints, and server
// settings. Defaults are built in; an optional override file named by
// SCHEDULER_CONFIG_PATH is merged on top, then environment variables win.
package config

import (
	"fmt"
	"time"

	"github.com/CTG813819/lvl-up-sub003/pkg/models"
)

// AgentSchedule controls one agent's learning cadence.
type AgentSchedule struct {
	// Interval between learning cycle starts.
	Interval time.Duration `yaml:"interval"`

	// Timeout is the wall-clock deadline for a single learning run.
	Timeout time.Duration `yaml:"timeout"`

	// Retries is the per-cycle retry budget on failure or timeout.
	Retries int `yaml:"retries"`

	// RetryDelay is the wait before a retry attempt.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// SchedulerConfig contains the scheduler-wide settings and the per-agent
// cadence table.
type SchedulerConfig struct {
	// MaxConcurrentAgents caps distinct agents running at once. A single
	// agent never runs concurrently with itself regardless of this value.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`

	// CustodyDelay is the pause between a learning run completing and its
	// custody test firing.
	CustodyDelay time.Duration `yaml:"custody_delay"`

	// CustodyTimeout is the wall-clock deadline for a custody test.
	CustodyTimeout time.Duration `yaml:"custody_timeout"`

	// CooldownRecoveryWindow is how far back startup recovery looks for a
	// custody record before re-issuing a trigger for a cooldown agent.
	CooldownRecoveryWindow time.Duration `yaml:"cooldown_recovery_window"`

	// GracefulShutdownTimeout is the max wait for in-flight units on stop.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// Agents maps agent type to its schedule.
	Agents map[models.AgentType]AgentSchedule `yaml:"agents"`
}

// DefaultSchedulerConfig returns the built-in cadence table.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		MaxConcurrentAgents:     2,
		CustodyDelay:            60 * time.Second,
		CustodyTimeout:          15 * time.Minute,
		CooldownRecoveryWindow:  15 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
		Agents: map[models.AgentType]AgentSchedule{
			models.AgentImperium: {Interval: 2 * time.Hour, Timeout: 45 * time.Minute, Retries: 3, RetryDelay: 5 * time.Minute},
			models.AgentGuardian: {Interval: 3 * time.Hour, Timeout: 30 * time.Minute, Retries: 3, RetryDelay: 5 * time.Minute},
			models.AgentSandbox:  {Interval: 4 * time.Hour, Timeout: 20 * time.Minute, Retries: 2, RetryDelay: 3 * time.Minute},
			models.AgentConquest: {Interval: 6 * time.Hour, Timeout: 60 * time.Minute, Retries: 2, RetryDelay: 10 * time.Minute},
		},
	}
}

// Validate checks scheduler configuration bounds.
func (c *SchedulerConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("scheduler configuration is nil")
	}
	if c.MaxConcurrentAgents < 1 || c.MaxConcurrentAgents > len(models.AllAgentTypes()) {
		return fmt.Errorf("max_concurrent_agents must be between 1 and %d", len(models.AllAgentTypes()))
	}
	if c.CustodyDelay < 0 {
		return fmt.Errorf("custody_delay must be non-negative")
	}
	if c.CustodyTimeout <= 0 {
		return fmt.Errorf("custody_timeout must be positive")
	}
	if c.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be positive")
	}
	for _, agent := range models.AllAgentTypes() {
		sched, ok := c.Agents[agent]
		if !ok {
			return fmt.Errorf("missing schedule for agent %q", agent)
		}
		if sched.Interval <= 0 {
			return fmt.Errorf("agent %q: interval must be positive", agent)
		}
		if sched.Timeout <= 0 || sched.Timeout >= sched.Interval {
			return fmt.Errorf("agent %q: timeout must be positive and below the interval", agent)
		}
		if sched.Retries < 0 {
			return fmt.Errorf("agent %q: retries must be non-negative", agent)
		}
		if sched.RetryDelay < 0 {
			return fmt.Errorf("agent %q: retry_delay must be non-negative", agent)
		}
	}
	return nil
}
