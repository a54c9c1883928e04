package custody

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/CTG813819/lvl-up-sub003/pkg/models"
)

// Scenario is one generated custody test scenario.
type Scenario struct {
	AgentType        models.AgentType
	Difficulty       models.Difficulty
	Domain           string
	ScenarioText     string
	Objectives       []string
	Constraints      []string
	SuccessCriteria  []string
	EvaluationRubric string
	TimeLimitMinutes int
}

// Summary renders the one-line form stored on the test result.
func (s *Scenario) Summary() string {
	return fmt.Sprintf("[%s/%s] %s", s.Domain, s.Difficulty, s.ScenarioText)
}

// ScenarioGenerator produces test scenarios. Generate may fail; callers
// fall back to the static bank.
type ScenarioGenerator interface {
	Generate(agent models.AgentType, difficulty models.Difficulty, domain string) (*Scenario, error)
}

// Test domains the diverse generator rotates through.
var scenarioDomains = []string{
	"knowledge verification",
	"code quality",
	"security",
	"performance",
	"innovation",
	"self-improvement",
	"cross-AI collaboration",
	"experimental validation",
	"docker lifecycle",
	"architecture",
	"multi-agent coordination",
}

// DomainSelfImprovement is the domain a failed learning run biases the
// next custody test toward.
const DomainSelfImprovement = "self-improvement"

// TemplateGenerator is the diverse per-domain scenario source. It keeps
// a small rotation state so consecutive tests for one agent vary.
type TemplateGenerator struct {
	mu   sync.Mutex
	rng  *rand.Rand
	next map[models.AgentType]int
}

// NewTemplateGenerator creates a generator seeded for variety.
func NewTemplateGenerator(seed int64) *TemplateGenerator {
	return &TemplateGenerator{
		rng:  rand.New(rand.NewSource(seed)),
		next: map[models.AgentType]int{},
	}
}

var difficultyScale = map[models.Difficulty]string{
	models.DifficultyBasic:        "a single well-scoped component",
	models.DifficultyIntermediate: "two interacting components with one failure mode",
	models.DifficultyAdvanced:     "a subsystem under partial failure and load",
	models.DifficultyExpert:       "a full system with conflicting constraints",
	models.DifficultyMaster:       "a system redesign with live-migration constraints",
}

var domainTemplates = map[string]string{
	"knowledge verification":   "Explain how %s applies to %s and verify the explanation against concrete cases.",
	"code quality":             "Review and improve the implementation quality of %s within %s.",
	"security":                 "Identify and mitigate the security weaknesses of %s in %s.",
	"performance":              "Diagnose and remove the dominant performance bottleneck of %s in %s.",
	"innovation":               "Propose a novel capability for %s that strengthens %s.",
	"self-improvement":         "Analyze your own recent failures around %s and design a corrective practice for %s.",
	"cross-AI collaboration":   "Design a collaboration protocol letting %s coordinate with peer agents across %s.",
	"experimental validation":  "Design an experiment validating assumptions about %s under %s.",
	"docker lifecycle":         "Define the container build, run, and teardown lifecycle for %s deployed as %s.",
	"architecture":             "Produce an architecture for %s structured as %s.",
	"multi-agent coordination": "Specify the coordination and conflict-resolution rules for %s operating over %s.",
}

// Generate builds a scenario from the domain template table. An
// unrecognized domain is an error, which sends the caller to the bank.
func (g *TemplateGenerator) Generate(agent models.AgentType, difficulty models.Difficulty, domain string) (*Scenario, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if domain == "" {
		idx := g.next[agent]
		g.next[agent] = idx + 1
		domain = scenarioDomains[(idx+g.rng.Intn(3))%len(scenarioDomains)]
	}
	tmpl, ok := domainTemplates[domain]
	if !ok {
		return nil, fmt.Errorf("no template for domain %q", domain)
	}

	subject := agent.Specialization()
	scale := difficultyScale[difficulty]
	return &Scenario{
		AgentType:    agent,
		Difficulty:   difficulty,
		Domain:       domain,
		ScenarioText: fmt.Sprintf(tmpl, subject, scale),
		Objectives: []string{
			fmt.Sprintf("address the %s concern directly", domain),
			"state assumptions and show reasoning",
			"provide code or concrete examples where applicable",
		},
		Constraints: []string{
			"stay within the stated scope",
			"no external systems beyond those named",
		},
		SuccessCriteria: []string{
			"every objective is covered",
			"the approach is technically feasible",
			fmt.Sprintf("the answer demonstrates %s", subject),
		},
		EvaluationRubric: "score completeness, creativity, feasibility, technical depth, " +
			"and adherence to constraints on a 0-100 scale each",
		TimeLimitMinutes: timeLimitFor(difficulty),
	}, nil
}

func timeLimitFor(d models.Difficulty) int {
	switch d {
	case models.DifficultyBasic:
		return 15
	case models.DifficultyIntermediate:
		return 20
	case models.DifficultyAdvanced:
		return 30
	case models.DifficultyExpert:
		return 45
	default:
		return 60
	}
}

// bankScenario returns the static fallback for (agent, difficulty).
// The bank always produces a scenario; it is the generator of last
// resort.
func bankScenario(agent models.AgentType, difficulty models.Difficulty) *Scenario {
	text := fmt.Sprintf("Demonstrate %s by working through %s.",
		agent.Specialization(), difficultyScale[difficulty])
	return &Scenario{
		AgentType:    agent,
		Difficulty:   difficulty,
		Domain:       "knowledge verification",
		ScenarioText: text,
		Objectives: []string{
			"cover the core of your specialization",
			"show reasoning step by step",
		},
		Constraints:      []string{"stay within the stated scope"},
		SuccessCriteria:  []string{"the demonstration is concrete and complete"},
		EvaluationRubric: "score the five standard axes on a 0-100 scale each",
		TimeLimitMinutes: timeLimitFor(difficulty),
	}
}

// buildPrompt assembles the full custody prompt: fixed header, scenario
// body, and the agent's specialization suffix.
func buildPrompt(behavior AgentBehavior, scenario *Scenario) string {
	var b strings.Builder
	b.WriteString("You are taking a competency test. Address the scenario directly, ")
	b.WriteString("show your reasoning, include code or examples when applicable, ")
	b.WriteString("and demonstrate your declared specialization.\n\n")
	fmt.Fprintf(&b, "Scenario (%s, %s, %d minute limit):\n%s\n\n",
		scenario.Domain, scenario.Difficulty, scenario.TimeLimitMinutes, scenario.ScenarioText)
	b.WriteString("Objectives:\n")
	for _, o := range scenario.Objectives {
		fmt.Fprintf(&b, "- %s\n", o)
	}
	b.WriteString("Constraints:\n")
	for _, c := range scenario.Constraints {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("Success criteria:\n")
	for _, c := range scenario.SuccessCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	fmt.Fprintf(&b, "\n%s\n", behavior.BuildCustodyPromptSuffix())
	return b.String()
}
