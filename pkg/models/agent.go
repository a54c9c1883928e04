// Package models defines the shared domain types: agent identities,
// difficulty ordering, metrics snapshots, test results, and the token
// ledger/admission types exchanged between the cores.
package models

import "fmt"

// AgentType identifies one of the four fixed agents. The set is sealed;
// adding an agent requires a code change.
type AgentType string

// Agent type constants.
const (
	AgentImperium AgentType = "imperium"
	AgentGuardian AgentType = "guardian"
	AgentSandbox  AgentType = "sandbox"
	AgentConquest AgentType = "conquest"
)

// AllAgentTypes returns the fixed agent set in canonical order.
func AllAgentTypes() []AgentType {
	return []AgentType{AgentImperium, AgentGuardian, AgentSandbox, AgentConquest}
}

// ParseAgentType validates a raw string against the sealed agent set.
func ParseAgentType(s string) (AgentType, error) {
	switch AgentType(s) {
	case AgentImperium, AgentGuardian, AgentSandbox, AgentConquest:
		return AgentType(s), nil
	}
	return "", fmt.Errorf("unknown agent type %q", s)
}

// Specialization returns the agent's declared focus, used when building
// custody prompts and synthesized answers.
func (a AgentType) Specialization() string {
	switch a {
	case AgentImperium:
		return "system architecture and cross-agent orchestration"
	case AgentGuardian:
		return "security analysis and defensive code review"
	case AgentSandbox:
		return "experimental validation and isolated testing"
	case AgentConquest:
		return "application scaffolding and feature delivery"
	default:
		return "general software engineering"
	}
}

// AgentStatus is the scheduler-visible lifecycle state of an agent.
type AgentStatus string

// Agent status constants.
const (
	StatusIdle     AgentStatus = "idle"
	StatusRunning  AgentStatus = "running"
	StatusCooldown AgentStatus = "cooldown"
	StatusBlocked  AgentStatus = "blocked"
)
