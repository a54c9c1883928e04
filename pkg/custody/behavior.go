// Package custody generates agent competency tests, evaluates answers,
// persists outcomes, and gates proposal eligibility. It is the richest
// state machine in the system: difficulty adjusts with streaks, budget
// starvation degrades to synthesized answers instead of failed tests,
// and every outcome feeds the agent's XP and level progression.
package custody

import (
	"fmt"
	"strings"

	"github.com/CTG813819/lvl-up-sub003/pkg/models"
)

// AgentBehavior is the per-agent strategy surface. Four implementations
// exist, one per agent type; the set is sealed alongside AgentType.
type AgentBehavior interface {
	Type() models.AgentType

	// BuildLearningPrompt produces the prompt for a scheduled learning
	// cycle.
	BuildLearningPrompt() string

	// BuildCustodyPromptSuffix appends the agent's specialization angle
	// to a custody test prompt.
	BuildCustodyPromptSuffix() string

	// SynthesizeFallbackAnswer produces a deterministic answer when no
	// provider can be called, keyed off the scenario's keywords.
	SynthesizeFallbackAnswer(scenario *Scenario) string
}

// BehaviorFor returns the behavior for an agent type.
func BehaviorFor(agent models.AgentType) AgentBehavior {
	switch agent {
	case models.AgentImperium:
		return imperiumBehavior{}
	case models.AgentGuardian:
		return guardianBehavior{}
	case models.AgentSandbox:
		return sandboxBehavior{}
	default:
		return conquestBehavior{}
	}
}

// synthesisKey classifies a scenario into one of the fixed synthesis
// template keys by keyword match, most specific first.
func synthesisKey(scenario *Scenario) string {
	text := strings.ToLower(scenario.ScenarioText + " " + strings.Join(scenario.Objectives, " "))
	for _, key := range []string{"security", "architecture", "performance", "collaboration", "machine-learning"} {
		probe := strings.ReplaceAll(key, "-", " ")
		if strings.Contains(text, probe) || strings.Contains(text, key) {
			return key
		}
	}
	return "generic"
}

func synthesize(agent models.AgentType, scenario *Scenario, angles map[string]string) string {
	key := synthesisKey(scenario)
	angle, ok := angles[key]
	if !ok {
		angle = angles["generic"]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Approach for: %s\n\n", scenario.ScenarioText)
	fmt.Fprintf(&b, "%s\n\n", angle)
	b.WriteString("Plan:\n")
	for i, obj := range scenario.Objectives {
		fmt.Fprintf(&b, "%d. %s: addressed through %s.\n", i+1, obj, agent.Specialization())
	}
	if len(scenario.Constraints) > 0 {
		fmt.Fprintf(&b, "\nConstraints honored: %s.\n", strings.Join(scenario.Constraints, "; "))
	}
	return b.String()
}

type imperiumBehavior struct{}

func (imperiumBehavior) Type() models.AgentType { return models.AgentImperium }

func (imperiumBehavior) BuildLearningPrompt() string {
	return "Survey the current multi-agent topology and produce an improvement plan " +
		"for orchestration latency, failure isolation, and cross-agent message contracts. " +
		"Show reasoning and concrete interface sketches."
}

func (imperiumBehavior) BuildCustodyPromptSuffix() string {
	return "Demonstrate command of system architecture: name the components, their " +
		"contracts, and the failure modes your design isolates."
}

func (b imperiumBehavior) SynthesizeFallbackAnswer(s *Scenario) string {
	return synthesize(b.Type(), s, map[string]string{
		"architecture":     "Decompose the system into bounded components with explicit contracts, then layer orchestration on top with per-component health signals.",
		"security":         "Treat every inter-component boundary as untrusted; authenticate, validate, and audit at each hop.",
		"performance":      "Measure the orchestration critical path first, then remove synchronous fan-out where a queue suffices.",
		"collaboration":    "Define a shared message schema and a single coordinator that owns ordering; agents stay stateless between turns.",
		"machine-learning": "Keep model invocation behind a broker with budget admission so orchestration logic never couples to a vendor.",
		"generic":          "Start from the system boundary, enumerate the invariants each component must hold, and derive the orchestration from those.",
	})
}

type guardianBehavior struct{}

func (guardianBehavior) Type() models.AgentType { return models.AgentGuardian }

func (guardianBehavior) BuildLearningPrompt() string {
	return "Review recent code paths for injection, authorization bypass, and secret " +
		"handling weaknesses. Produce findings ranked by exploitability with defensive fixes."
}

func (guardianBehavior) BuildCustodyPromptSuffix() string {
	return "Demonstrate security depth: threat model first, then mitigations with " +
		"the specific attack class each one closes."
}

func (b guardianBehavior) SynthesizeFallbackAnswer(s *Scenario) string {
	return synthesize(b.Type(), s, map[string]string{
		"security":         "Enumerate trust boundaries, apply least privilege at each, and validate all input at the boundary it crosses.",
		"architecture":     "Favor designs where the insecure state is unrepresentable; fail closed on every authorization path.",
		"performance":      "Keep security checks on the hot path constant-time and cache only non-sensitive derivations.",
		"collaboration":    "Share threat models, not credentials; every agent authenticates independently.",
		"machine-learning": "Treat model output as untrusted input; sanitize before it reaches an interpreter or a shell.",
		"generic":          "Threat model, mitigate, verify: identify assets, enumerate attack surfaces, close each with a testable control.",
	})
}

type sandboxBehavior struct{}

func (sandboxBehavior) Type() models.AgentType { return models.AgentSandbox }

func (sandboxBehavior) BuildLearningPrompt() string {
	return "Design and run an isolated experiment validating one current hypothesis " +
		"about system behavior. Report method, controls, results, and follow-up experiments."
}

func (sandboxBehavior) BuildCustodyPromptSuffix() string {
	return "Demonstrate experimental rigor: hypothesis, isolation strategy, controls, " +
		"and how the results generalize."
}

func (b sandboxBehavior) SynthesizeFallbackAnswer(s *Scenario) string {
	return synthesize(b.Type(), s, map[string]string{
		"security":         "Reproduce the concern inside an isolated environment, instrument it, and report the observed blast radius.",
		"architecture":     "Prototype the two candidate designs behind the same interface and measure them under identical load.",
		"performance":      "Build a minimal benchmark harness isolating the suspect path; vary one factor per run.",
		"collaboration":    "Stage a controlled two-agent exchange and capture the full message trace for replay.",
		"machine-learning": "Hold out a validation set, fix the seed, and compare against the trivial baseline first.",
		"generic":          "Form a falsifiable hypothesis, isolate the variable under test, and let the measurement decide.",
	})
}

type conquestBehavior struct{}

func (conquestBehavior) Type() models.AgentType { return models.AgentConquest }

func (conquestBehavior) BuildLearningPrompt() string {
	return "Select one user-facing capability gap and produce a buildable feature plan: " +
		"scaffold layout, data flow, and the first three implementation milestones."
}

func (conquestBehavior) BuildCustodyPromptSuffix() string {
	return "Demonstrate delivery focus: a working skeleton, the order you would build " +
		"in, and what ships at each milestone."
}

func (b conquestBehavior) SynthesizeFallbackAnswer(s *Scenario) string {
	return synthesize(b.Type(), s, map[string]string{
		"security":         "Ship the feature behind a flag with authorization enforced at the entry point before any persistence lands.",
		"architecture":     "Scaffold the thinnest vertical slice through every layer first, then widen each layer in place.",
		"performance":      "Deliver correct first, then profile the slice under realistic data before optimizing.",
		"collaboration":    "Expose the feature through a stable contract other agents can integrate against from day one.",
		"machine-learning": "Wrap the model call behind a feature interface so the product ships even when the model is unavailable.",
		"generic":          "Cut the smallest end-to-end slice that a user can touch, ship it, and iterate from real feedback.",
	})
}
