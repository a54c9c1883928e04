package models

import "time"

// TestHistoryCap bounds the per-agent test history; the oldest entry is
// evicted when the cap is exceeded.
const TestHistoryCap = 50

// XPPerLevel is the XP span of a single level: level = 1 + xp/XPPerLevel.
const XPPerLevel = 1000

// LevelForXP computes the level implied by an XP total.
func LevelForXP(xp int64) int {
	if xp < 0 {
		return 1
	}
	return 1 + int(xp/XPPerLevel)
}

// AgentMetrics is the durable per-agent state. One row per agent type.
type AgentMetrics struct {
	AgentType            AgentType   `json:"agent_type"`
	LearningScore        float64     `json:"learning_score"`
	XP                   int64       `json:"xp"`
	Level                int         `json:"level"`
	Prestige             int         `json:"prestige"`
	TotalLearningCycles  int64       `json:"total_learning_cycles"`
	CurrentDifficulty    Difficulty  `json:"current_difficulty"`
	TotalTestsGiven      int64       `json:"total_tests_given"`
	TotalTestsPassed     int64       `json:"total_tests_passed"`
	TotalTestsFailed     int64       `json:"total_tests_failed"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	LastTestAt           *time.Time  `json:"last_test_at,omitempty"`
	Status               AgentStatus `json:"status"`
	LastStartedAt        *time.Time  `json:"last_started_at,omitempty"`
	LastFinishedAt       *time.Time  `json:"last_finished_at,omitempty"`
	BlockedReason        string      `json:"blocked_reason,omitempty"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// MetricsPatch is a closed-form field patch for UpsertAgentMetrics.
// Nil fields are left untouched.
type MetricsPatch struct {
	LearningScore       *float64     `json:"learning_score,omitempty"`
	XP                  *int64       `json:"xp,omitempty"`
	Prestige            *int         `json:"prestige,omitempty"`
	TotalLearningCycles *int64       `json:"total_learning_cycles,omitempty"`
	CurrentDifficulty   *Difficulty  `json:"current_difficulty,omitempty"`
	Status              *AgentStatus `json:"status,omitempty"`
	BlockedReason       *string      `json:"blocked_reason,omitempty"`
}

// TestHistoryEntry is one immutable custody test outcome. Entries are
// created by the custody engine and never mutated after write.
type TestHistoryEntry struct {
	TestID            string         `json:"test_id"`
	Timestamp         time.Time      `json:"timestamp"`
	Difficulty        Difficulty     `json:"difficulty"`
	Passed            bool           `json:"passed"`
	Score             float64        `json:"score"`
	DurationMS        int64          `json:"duration_ms"`
	XPAwarded         int64          `json:"xp_awarded"`
	EvaluationSummary string         `json:"evaluation_summary"`
	Synthesized       bool           `json:"synthesized"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// ComponentScores are the five evaluation axes, each 0-100.
type ComponentScores struct {
	Completeness           float64 `json:"completeness"`
	Creativity             float64 `json:"creativity"`
	Feasibility            float64 `json:"feasibility"`
	TechnicalDepth         float64 `json:"technical_depth"`
	AdherenceToConstraints float64 `json:"adherence_to_constraints"`
}

// TestResult is the full outcome of one administered custody test.
type TestResult struct {
	TestID          string          `json:"test_id"`
	AgentType       AgentType       `json:"agent_type"`
	Difficulty      Difficulty      `json:"difficulty"`
	ScenarioSummary string          `json:"scenario_summary"`
	AnswerSummary   string          `json:"answer_summary"`
	ComponentScores ComponentScores `json:"component_scores"`
	OverallScore    float64         `json:"overall_score"`
	Passed          bool            `json:"passed"`
	XPAwarded       int64           `json:"xp_awarded"`
	DurationMS      int64           `json:"duration_ms"`
	IssuedAt        time.Time       `json:"issued_at"`
	CompletedAt     time.Time       `json:"completed_at"`
	Synthesized     bool            `json:"synthesized"`
	FeedbackText    string          `json:"feedback_text"`
	TriggerNonce    string          `json:"trigger_nonce,omitempty"`
}

// HistoryEntry projects the result into its immutable history form.
func (r *TestResult) HistoryEntry() TestHistoryEntry {
	return TestHistoryEntry{
		TestID:            r.TestID,
		Timestamp:         r.CompletedAt,
		Difficulty:        r.Difficulty,
		Passed:            r.Passed,
		Score:             r.OverallScore,
		DurationMS:        r.DurationMS,
		XPAwarded:         r.XPAwarded,
		EvaluationSummary: r.FeedbackText,
		Synthesized:       r.Synthesized,
	}
}

// Eligibility is the proposal gate decision for an agent.
type Eligibility struct {
	Eligible   bool   `json:"eligible"`
	Reason     string `json:"reason,omitempty"`
	RequiredXP int64  `json:"required_xp"`
	CurrentXP  int64  `json:"current_xp"`
}
