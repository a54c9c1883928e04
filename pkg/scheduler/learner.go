package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CTG813819/lvl-up-sub003/pkg/custody"
	"github.com/CTG813819/lvl-up-sub003/pkg/llm"
	"github.com/CTG813819/lvl-up-sub003/pkg/models"
)

// learningMaxOutputTokens bounds one learning cycle's model response.
const learningMaxOutputTokens = 2048

// LearnerStore is the slice of the metrics store a learning run touches.
type LearnerStore interface {
	IncrementLearningCycles(ctx context.Context, agent models.AgentType) error
}

// Learner executes one learning cycle for an agent: a single brokered
// model call on the agent's learning prompt.
type Learner struct {
	broker custody.TextGenerator
	store  LearnerStore
	logger *slog.Logger
}

// NewLearner wires a learner.
func NewLearner(broker custody.TextGenerator, store LearnerStore, logger *slog.Logger) *Learner {
	return &Learner{
		broker: broker,
		store:  store,
		logger: logger.With("component", "learner"),
	}
}

// RunLearningCycle performs one cycle. The returned error is the run's
// terminal outcome; the scheduler owns retries.
func (l *Learner) RunLearningCycle(ctx context.Context, agent models.AgentType) error {
	prompt := custody.BehaviorFor(agent).BuildLearningPrompt()
	estimated := llm.EstimateRequestTokens(prompt, learningMaxOutputTokens)

	res, err := l.broker.Generate(ctx, agent, prompt, learningMaxOutputTokens, estimated)
	if err != nil {
		return fmt.Errorf("learning cycle for %s: %w", agent, err)
	}
	if err := l.store.IncrementLearningCycles(ctx, agent); err != nil {
		return fmt.Errorf("recording learning cycle: %w", err)
	}
	l.logger.Info("learning cycle completed",
		"agent_type", agent, "provider", res.Provider,
		"tokens_in", res.TokensIn, "tokens_out", res.TokensOut)
	return nil
}
