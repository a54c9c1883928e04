package custody

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CTG813819/lvl-up-sub003/pkg/llm"
	"github.com/CTG813819/lvl-up-sub003/pkg/models"
)

// ScoreReport is a scorer's verdict on one answer.
type ScoreReport struct {
	Components models.ComponentScores
	Overall    float64
	Passed     bool
	Feedback   string
}

// Scorer evaluates an answer against its scenario. Implementations are
// pluggable; a scorer failure is downgraded by the engine, never fatal
// to the test.
type Scorer interface {
	Score(ctx context.Context, scenario *Scenario, answer string) (*ScoreReport, error)
}

// PassThreshold returns the minimum overall score that passes at a
// difficulty.
func PassThreshold(d models.Difficulty) float64 {
	switch d {
	case models.DifficultyAdvanced:
		return 65
	case models.DifficultyExpert:
		return 70
	case models.DifficultyMaster:
		return 75
	default:
		return 60
	}
}

// XPAward returns the XP for a test outcome. Failing still pays a
// quarter of the difficulty's base.
func XPAward(d models.Difficulty, passed bool) int64 {
	var base int64
	switch d {
	case models.DifficultyBasic:
		base = 50
	case models.DifficultyIntermediate:
		base = 100
	case models.DifficultyAdvanced:
		base = 200
	case models.DifficultyExpert:
		base = 400
	case models.DifficultyMaster:
		base = 800
	}
	if passed {
		return base
	}
	return base / 4
}

func average(c models.ComponentScores) float64 {
	return (c.Completeness + c.Creativity + c.Feasibility + c.TechnicalDepth + c.AdherenceToConstraints) / 5
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// HeuristicScorer is the deterministic evaluator: it measures coverage
// of the scenario's objectives and structural qualities of the answer.
// It never fails and costs no tokens.
type HeuristicScorer struct{}

// Score implements Scorer.
func (HeuristicScorer) Score(_ context.Context, scenario *Scenario, answer string) (*ScoreReport, error) {
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		return &ScoreReport{
			Passed:   false,
			Feedback: "empty answer",
		}, nil
	}
	lower := strings.ToLower(trimmed)

	covered := 0
	for _, obj := range scenario.Objectives {
		if keywordOverlap(lower, obj) {
			covered++
		}
	}
	completeness := 40 + 60*float64(covered)/float64(max(len(scenario.Objectives), 1))

	depth := 45.0
	if strings.Contains(trimmed, "```") || strings.Contains(lower, "func ") || strings.Contains(lower, "class ") {
		depth += 25
	}
	if len(trimmed) > 800 {
		depth += 15
	}

	adherence := 50.0
	mentioned := 0
	for _, c := range scenario.Constraints {
		if keywordOverlap(lower, c) {
			mentioned++
		}
	}
	if len(scenario.Constraints) > 0 {
		adherence += 40 * float64(mentioned) / float64(len(scenario.Constraints))
	}

	creativity := 50.0
	if strings.Contains(lower, scenario.Domain) {
		creativity += 15
	}
	if covered == len(scenario.Objectives) {
		creativity += 10
	}

	feasibility := 55.0
	if strings.Contains(lower, "step") || strings.Contains(lower, "plan") || strings.Contains(lower, "first") {
		feasibility += 20
	}

	components := models.ComponentScores{
		Completeness:           clampScore(completeness),
		Creativity:             clampScore(creativity),
		Feasibility:            clampScore(feasibility),
		TechnicalDepth:         clampScore(depth),
		AdherenceToConstraints: clampScore(adherence),
	}
	overall := average(components)
	return &ScoreReport{
		Components: components,
		Overall:    overall,
		Passed:     overall >= PassThreshold(scenario.Difficulty),
		Feedback: fmt.Sprintf("covered %d of %d objectives; technical depth %.0f; constraint adherence %.0f",
			covered, len(scenario.Objectives), components.TechnicalDepth, components.AdherenceToConstraints),
	}, nil
}

func keywordOverlap(haystack, phrase string) bool {
	hits := 0
	for _, word := range strings.Fields(strings.ToLower(phrase)) {
		if len(word) < 5 {
			continue
		}
		if strings.Contains(haystack, word) {
			hits++
		}
	}
	return hits > 0
}

// TextGenerator is the broker surface the judge scorer needs.
type TextGenerator interface {
	Generate(ctx context.Context, agent models.AgentType, prompt string, maxOutputTokens, estimated int64) (*llm.Result, error)
}

// JudgeScorer asks a model to grade the answer against the rubric,
// falling back to the heuristic when the call or the parse fails.
type JudgeScorer struct {
	Broker   TextGenerator
	Fallback HeuristicScorer
}

const judgeMaxOutputTokens = 512

type judgeVerdict struct {
	Completeness           float64 `json:"completeness"`
	Creativity             float64 `json:"creativity"`
	Feasibility            float64 `json:"feasibility"`
	TechnicalDepth         float64 `json:"technical_depth"`
	AdherenceToConstraints float64 `json:"adherence_to_constraints"`
	Feedback               string  `json:"feedback"`
}

// Score implements Scorer.
func (s *JudgeScorer) Score(ctx context.Context, scenario *Scenario, answer string) (*ScoreReport, error) {
	prompt := fmt.Sprintf(
		"Grade the answer below against the scenario. %s.\n"+
			"Respond with only a JSON object with numeric fields completeness, creativity, "+
			"feasibility, technical_depth, adherence_to_constraints (each 0-100) and a short "+
			"string field feedback.\n\nScenario:\n%s\n\nAnswer:\n%s",
		scenario.EvaluationRubric, scenario.ScenarioText, answer)

	estimated := llm.EstimateRequestTokens(prompt, judgeMaxOutputTokens)
	res, err := s.Broker.Generate(ctx, scenario.AgentType, prompt, judgeMaxOutputTokens, estimated)
	if err != nil {
		return s.Fallback.Score(ctx, scenario, answer)
	}

	var v judgeVerdict
	if err := json.Unmarshal([]byte(extractJSON(res.Text)), &v); err != nil {
		return s.Fallback.Score(ctx, scenario, answer)
	}
	components := models.ComponentScores{
		Completeness:           clampScore(v.Completeness),
		Creativity:             clampScore(v.Creativity),
		Feasibility:            clampScore(v.Feasibility),
		TechnicalDepth:         clampScore(v.TechnicalDepth),
		AdherenceToConstraints: clampScore(v.AdherenceToConstraints),
	}
	overall := average(components)
	return &ScoreReport{
		Components: components,
		Overall:    overall,
		Passed:     overall >= PassThreshold(scenario.Difficulty),
		Feedback:   v.Feedback,
	}, nil
}

// extractJSON pulls the first JSON object out of model output that may
// be wrapped in prose or a code fence.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return text
	}
	return text[start : end+1]
}
