package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/CTG813819/lvl-up-sub003/pkg/llm"
	"github.com/CTG813819/lvl-up-sub003/pkg/models"
	"github.com/CTG813819/lvl-up-sub003/pkg/services"
)

// ErrDuplicateTrigger means the trigger nonce was already consumed; the
// earlier test stands and no new one is generated.
var ErrDuplicateTrigger = errors.New("duplicate custody trigger")

var testsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lvlup_custody_tests_total",
	Help: "Administered custody tests by agent, outcome, and answer origin.",
}, []string{"agent_type", "outcome", "origin"})

// MetricsStore is the persistence surface the engine needs.
type MetricsStore interface {
	GetAgentMetrics(ctx context.Context, agent models.AgentType) (*models.AgentMetrics, error)
	RecordTestResult(ctx context.Context, result *models.TestResult) (*models.AgentMetrics, error)
	GetRecentTests(ctx context.Context, agent models.AgentType, limit int) ([]models.TestHistoryEntry, error)
	HasTriggerNonce(ctx context.Context, agent models.AgentType, nonce string) (bool, error)
}

// Engine administers custody tests and gates proposal eligibility.
type Engine struct {
	store     MetricsStore
	broker    TextGenerator
	generator ScenarioGenerator
	scorer    Scorer
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine wires the custody engine.
func NewEngine(store MetricsStore, broker TextGenerator, generator ScenarioGenerator, scorer Scorer, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		broker:    broker,
		generator: generator,
		scorer:    scorer,
		logger:    logger.With("component", "custody"),
		now:       time.Now,
	}
}

// TestOptions carry per-trigger context into AdministerTest.
type TestOptions struct {
	// TriggerNonce deduplicates re-issued triggers. Empty disables the
	// check (manual triggers).
	TriggerNonce string

	// RunFailed biases scenario selection toward self-improvement when
	// the preceding learning run failed.
	RunFailed bool
}

const (
	answerMaxOutputTokens = 2048
	proposalXPPerLevel    = 100
	failCooldown          = 30 * time.Minute
)

// AdjustedDifficulty derives the difficulty a test is administered at
// from the persisted difficulty and the current streaks. Long failure
// streaks pull the test down before the persisted value itself moves.
func AdjustedDifficulty(m *models.AgentMetrics) models.Difficulty {
	base := m.CurrentDifficulty
	switch {
	case m.ConsecutiveFailures >= 10:
		return models.Decrease(base, 3)
	case m.ConsecutiveFailures >= 5:
		return models.Decrease(base, 2)
	case m.ConsecutiveFailures >= 3:
		return models.Decrease(base, 1)
	case m.ConsecutiveSuccesses >= 5:
		return models.Increase(base, 1)
	}
	return base
}

// AdministerTest runs one full custody test for an agent: scenario
// generation, an admitted provider call (or deterministic synthesis when
// no call is possible), scoring, and the durable outcome write.
func (e *Engine) AdministerTest(ctx context.Context, agent models.AgentType, opts TestOptions) (*models.TestResult, error) {
	if opts.TriggerNonce != "" {
		seen, err := e.store.HasTriggerNonce(ctx, agent, opts.TriggerNonce)
		if err != nil {
			return nil, fmt.Errorf("checking trigger nonce: %w", err)
		}
		if seen {
			return nil, ErrDuplicateTrigger
		}
	}

	m, err := e.store.GetAgentMetrics(ctx, agent)
	if errors.Is(err, services.ErrNotFound) {
		m = &models.AgentMetrics{
			AgentType:         agent,
			Level:             1,
			CurrentDifficulty: models.DifficultyBasic,
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading metrics: %w", err)
	}

	adjusted := AdjustedDifficulty(m)
	domain := ""
	if opts.RunFailed {
		domain = DomainSelfImprovement
	}
	scenario, err := e.generator.Generate(agent, adjusted, domain)
	if err != nil {
		e.logger.Warn("scenario generator failed, using static bank",
			"agent_type", agent, "error", err)
		scenario = bankScenario(agent, adjusted)
	}

	testID := uuid.NewString()
	issuedAt := e.now()
	behavior := BehaviorFor(agent)
	prompt := buildPrompt(behavior, scenario)

	answer, synthesized := e.obtainAnswer(ctx, agent, behavior, scenario, prompt)
	report := e.scoreAnswer(ctx, scenario, answer)

	completedAt := e.now()
	result := &models.TestResult{
		TestID:          testID,
		AgentType:       agent,
		Difficulty:      adjusted,
		ScenarioSummary: scenario.Summary(),
		AnswerSummary:   summarize(answer),
		ComponentScores: report.Components,
		OverallScore:    report.Overall,
		Passed:          report.Passed,
		XPAwarded:       XPAward(adjusted, report.Passed),
		DurationMS:      completedAt.Sub(issuedAt).Milliseconds(),
		IssuedAt:        issuedAt,
		CompletedAt:     completedAt,
		Synthesized:     synthesized,
		FeedbackText:    report.Feedback,
		TriggerNonce:    opts.TriggerNonce,
	}

	if _, err := e.store.RecordTestResult(ctx, result); err != nil {
		return nil, fmt.Errorf("recording test result: %w", err)
	}

	outcome := "failed"
	if result.Passed {
		outcome = "passed"
	}
	origin := "provider"
	if synthesized {
		origin = "synthesized"
	}
	testsTotal.WithLabelValues(string(agent), outcome, origin).Inc()
	e.logger.Info("custody test administered",
		"agent_type", agent, "test_id", testID, "difficulty", adjusted,
		"score", result.OverallScore, "passed", result.Passed, "synthesized", synthesized)
	return result, nil
}

// obtainAnswer calls the broker, degrading to the agent's deterministic
// synthesis when no provider call is possible. A test never fails for
// lack of budget or a provider outage.
func (e *Engine) obtainAnswer(ctx context.Context, agent models.AgentType, behavior AgentBehavior, scenario *Scenario, prompt string) (string, bool) {
	estimated := llm.EstimateRequestTokens(prompt, answerMaxOutputTokens)
	res, err := e.broker.Generate(ctx, agent, prompt, answerMaxOutputTokens, estimated)
	if err == nil {
		return res.Text, false
	}
	e.logger.Info("synthesizing answer",
		"agent_type", agent, "reason", err, "deny_reason", llm.DenyReasonOf(err))
	return behavior.SynthesizeFallbackAnswer(scenario), true
}

// scoreAnswer runs the pluggable scorer under panic isolation. Any
// scorer failure downgrades to the conservative default instead of
// failing the test.
func (e *Engine) scoreAnswer(ctx context.Context, scenario *Scenario, answer string) (report *ScoreReport) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("scorer panicked", "agent_type", scenario.AgentType, "panic", r)
			report = conservativeReport()
		}
	}()
	report, err := e.scorer.Score(ctx, scenario, answer)
	if err != nil || report == nil {
		e.logger.Error("scorer failed", "agent_type", scenario.AgentType, "error", err)
		return conservativeReport()
	}
	return report
}

func conservativeReport() *ScoreReport {
	return &ScoreReport{
		Overall:  40,
		Passed:   false,
		Feedback: "scoring unavailable",
	}
}

const answerSummaryCap = 512

func summarize(answer string) string {
	if len(answer) <= answerSummaryCap {
		return answer
	}
	// Back off to a rune boundary so the summary stays valid UTF-8.
	cut := answerSummaryCap
	for cut > 0 && !utf8.RuneStart(answer[cut]) {
		cut--
	}
	return answer[:cut] + "..."
}

// EligibleToPropose evaluates the proposal gate: the agent must have
// passed its most recent test and hold XP of at least 100 per level.
// A failed test imposes a 30 minute cooldown on top of blocking the
// gate until the next pass.
func (e *Engine) EligibleToPropose(ctx context.Context, agent models.AgentType) (*models.Eligibility, error) {
	m, err := e.store.GetAgentMetrics(ctx, agent)
	if errors.Is(err, services.ErrNotFound) {
		return &models.Eligibility{
			Reason:     "no custody test taken yet",
			RequiredXP: proposalXPPerLevel,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metrics: %w", err)
	}

	required := int64(proposalXPPerLevel * m.Level)
	out := &models.Eligibility{RequiredXP: required, CurrentXP: m.XP}

	recent, err := e.store.GetRecentTests(ctx, agent, 1)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	if len(recent) == 0 {
		out.Reason = "no custody test taken yet"
		return out, nil
	}
	last := recent[len(recent)-1]

	switch {
	case !last.Passed && e.now().Sub(last.Timestamp) < failCooldown:
		out.Reason = fmt.Sprintf("cooldown until %s after failed test",
			last.Timestamp.Add(failCooldown).UTC().Format(time.RFC3339))
	case !last.Passed:
		out.Reason = "last custody test failed"
	case m.XP < required:
		out.Reason = fmt.Sprintf("insufficient xp: %d of %d required", m.XP, required)
	default:
		out.Eligible = true
	}
	return out, nil
}
