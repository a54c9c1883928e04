package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/CTG813819/lvl-up-sub003/pkg/config"
	"github.com/CTG813819/lvl-up-sub003/pkg/models"
	"github.com/CTG813819/lvl-up-sub003/pkg/services"
)

// Admitter is the budget gate the broker consults around every call.
type Admitter interface {
	Admit(ctx context.Context, agent models.AgentType, estimated int64, preferred models.Provider) (models.AdmitDecision, error)
	Record(ctx context.Context, agent models.AgentType, provider models.Provider, tokensIn, tokensOut int64, success bool, requestID string) error
}

// Result is a brokered generation outcome.
type Result struct {
	Provider  models.Provider
	Text      string
	TokensIn  int64
	TokensOut int64
}

// Broker is the single choke point for external text generation. It
// admits against the token budget, rate-limits per provider, records
// actual usage, and falls back across providers at most once.
type Broker struct {
	cfg       config.BudgetConfig
	governor  Admitter
	providers map[models.Provider]Provider
	limiters  map[models.Provider]*rate.Limiter
	logger    *slog.Logger
}

// NewBroker wires the broker over its providers. Providers map entries
// may be nil for unconfigured slots.
func NewBroker(cfg config.BudgetConfig, governor Admitter, providers map[models.Provider]Provider, logger *slog.Logger) *Broker {
	limiters := make(map[models.Provider]*rate.Limiter, len(providers))
	for slot, p := range providers {
		if p == nil {
			continue
		}
		interval := time.Minute / time.Duration(cfg.RequestsPerMinute)
		limiters[slot] = rate.NewLimiter(rate.Every(interval), 1)
	}
	return &Broker{
		cfg:       cfg,
		governor:  governor,
		providers: providers,
		limiters:  limiters,
		logger:    logger.With("component", "llm_broker"),
	}
}

// Generate runs one admitted, rate-limited call, falling back to the
// other provider exactly once on a retryable failure. estimated is the
// projected budget cost the admission is charged against.
func (b *Broker) Generate(ctx context.Context, agent models.AgentType, prompt string, maxOutputTokens, estimated int64) (*Result, error) {
	decision, err := b.governor.Admit(ctx, agent, estimated, models.ProviderPrimary)
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	if !decision.Allowed {
		return nil, &BudgetDeniedError{Reason: decision.Reason}
	}

	res, firstErr := b.attempt(ctx, agent, decision.Provider, prompt, maxOutputTokens)
	if firstErr == nil {
		return res, nil
	}
	if !retryable(firstErr) {
		return nil, firstErr
	}

	// One cross-provider fallback, under a fresh admission. A denial
	// here surfaces the original failure.
	fallback := otherSlot(decision.Provider)
	if b.providers[fallback] == nil {
		return nil, firstErr
	}
	decision2, err := b.governor.Admit(ctx, agent, estimated, fallback)
	if err != nil || !decision2.Allowed || decision2.Provider == decision.Provider {
		return nil, firstErr
	}
	res, secondErr := b.attempt(ctx, agent, decision2.Provider, prompt, maxOutputTokens)
	if secondErr != nil {
		return nil, firstErr
	}
	b.logger.Info("fallback provider served the request",
		"agent_type", agent, "failed_provider", decision.Provider, "provider", decision2.Provider)
	return res, nil
}

func otherSlot(p models.Provider) models.Provider {
	if p == models.ProviderPrimary {
		return models.ProviderSecondary
	}
	return models.ProviderPrimary
}

// retryable reports whether a failure justifies trying the other
// provider. Budget errors never do.
func retryable(err error) bool {
	return errors.Is(err, ErrProviderError) || errors.Is(err, ErrTimeout)
}

func (b *Broker) attempt(ctx context.Context, agent models.AgentType, slot models.Provider, prompt string, maxOutputTokens int64) (*Result, error) {
	provider := b.providers[slot]
	if provider == nil {
		return nil, fmt.Errorf("%w: provider %s not configured", ErrProviderError, slot)
	}
	requestID := uuid.NewString()

	if limiter := b.limiters[slot]; limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, b.cfg.RateWaitTimeout)
		err := limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: rate limit wait for %s: %v", ErrTimeout, slot, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.ProviderTimeout)
	defer cancel()
	completion, err := provider.Generate(callCtx, prompt, maxOutputTokens)
	if err != nil {
		// The prompt was still transmitted; charge its input cost.
		recErr := b.governor.Record(ctx, agent, slot, int64(CountTokens(prompt)), 0, false, requestID)
		if recErr != nil {
			b.logger.Error("recording failed call usage", "provider", slot, "error", recErr)
		}
		b.logger.Warn("provider call failed",
			"agent_type", agent, "provider", slot, "request_id", requestID, "error", err)
		return nil, err
	}

	if err := b.governor.Record(ctx, agent, slot, completion.TokensIn, completion.TokensOut, true, requestID); err != nil {
		if errors.Is(err, services.ErrConflict) {
			// A concurrent caller consumed the remaining headroom.
			// The response is discarded and the call is not repeated.
			return nil, &BudgetDeniedError{Reason: models.DenyMonthlyExhausted}
		}
		return nil, fmt.Errorf("recording usage: %w", err)
	}
	return &Result{
		Provider:  slot,
		Text:      completion.Text,
		TokensIn:  completion.TokensIn,
		TokensOut: completion.TokensOut,
	}, nil
}
