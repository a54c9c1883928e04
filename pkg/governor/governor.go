// Package governor is the process-wide admission controller for external
// LLM usage. Every provider call goes through Admit before and Record
// after; the shared monthly budget, its daily and hourly sub-limits, and
// the primary-to-secondary fallback all live here.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CTG813819/lvl-up-sub003/pkg/config"
	"github.com/CTG813819/lvl-up-sub003/pkg/models"
	"github.com/CTG813819/lvl-up-sub003/pkg/services"
)

// Ledger is the token usage store the governor decides against.
type Ledger interface {
	ReadWindowSnapshot(ctx context.Context, provider models.Provider, at time.Time) (models.WindowSnapshot, error)
	AddUsage(ctx context.Context, provider models.Provider, requestID string, tokensIn, tokensOut int64, success bool, monthlyCap int64, at time.Time) error
}

// Governor enforces the shared token budget across all agents.
type Governor struct {
	cfg    config.BudgetConfig
	llm    config.LLMConfig
	ledger Ledger
	alerts *alertState
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Governor over the given ledger.
func New(cfg config.BudgetConfig, llm config.LLMConfig, ledger Ledger, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:    cfg,
		llm:    llm,
		ledger: ledger,
		alerts: newAlertState(),
		logger: logger.With("component", "governor"),
		now:    time.Now,
	}
}

func (g *Governor) providerEnabled(p models.Provider) bool {
	switch p {
	case models.ProviderPrimary:
		return g.llm.Primary.Enabled()
	case models.ProviderSecondary:
		return g.llm.Secondary.Enabled()
	}
	return false
}

// windowCaps returns the hour, day, and month caps for a provider.
func (g *Governor) windowCaps(p models.Provider) (hour, day, month int64) {
	month = g.cfg.MonthlyLimitFor(string(p))
	day = config.DailyLimit(month)
	hour = config.HourlyLimit(month)
	return hour, day, month
}

// blockedWindow returns the coarsest window a prospective request would
// breach for a provider, or "" if every window has room.
func (g *Governor) blockedWindow(snap models.WindowSnapshot, estimated int64) models.WindowKind {
	hour, day, month := g.windowCaps(snap.Provider)
	switch {
	case snap.Month.TokensUsed+estimated > month:
		return models.WindowMonth
	case snap.Day.TokensUsed+estimated > day:
		return models.WindowDay
	case snap.Hour.TokensUsed+estimated > hour:
		return models.WindowHour
	}
	return ""
}

func denyReasonForWindow(kind models.WindowKind) models.DenyReason {
	switch kind {
	case models.WindowMonth:
		return models.DenyMonthlyExhausted
	case models.WindowDay:
		return models.DenyDailyExhausted
	case models.WindowHour:
		return models.DenyHourlyExhausted
	}
	return models.DenyBothProvidersExhausted
}

// mostBinding picks the coarser of two breached windows, month before
// day before hour. Empty kinds lose.
func mostBinding(a, b models.WindowKind) models.WindowKind {
	rank := func(k models.WindowKind) int {
		switch k {
		case models.WindowMonth:
			return 3
		case models.WindowDay:
			return 2
		case models.WindowHour:
			return 1
		}
		return 0
	}
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

// Admit decides whether an external call of the given estimated size may
// proceed, and on which provider. The decision is point-in-time against
// a consistent ledger snapshot; a concurrent over-admission is caught by
// Record, not here.
func (g *Governor) Admit(ctx context.Context, agent models.AgentType, estimated int64, preferred models.Provider) (models.AdmitDecision, error) {
	now := g.now()
	if preferred == "" {
		preferred = models.ProviderPrimary
	}

	snapshots := map[models.Provider]models.WindowSnapshot{}
	for _, p := range []models.Provider{models.ProviderPrimary, models.ProviderSecondary} {
		if !g.providerEnabled(p) {
			continue
		}
		var snap models.WindowSnapshot
		err := services.WithRetry(ctx, func() error {
			var rerr error
			snap, rerr = g.ledger.ReadWindowSnapshot(ctx, p, now)
			return rerr
		})
		if err != nil {
			return models.AdmitDecision{}, fmt.Errorf("reading ledger for %s: %w", p, err)
		}
		snapshots[p] = snap
	}

	preferredSnap := snapshots[preferred]
	deny := func(reason models.DenyReason) models.AdmitDecision {
		d := models.AdmitDecision{Reason: reason, Snapshot: preferredSnap}
		g.observeDecision(agent, d)
		return d
	}

	if estimated > g.cfg.PerRequestLimit {
		return deny(models.DenyRequestTooLarge), nil
	}

	// Emergency wins over any window-based reason: once combined usage
	// crosses the emergency share nothing is admitted, and the caller
	// sees emergency_shutdown rather than whichever window happened to
	// be binding.
	if g.emergencyCrossed(snapshots) {
		g.alerts.noteLevel(g.logger, "global", models.AlertEmergency, now)
		return deny(models.DenyEmergencyShutdown), nil
	}

	// Past the fallback threshold the primary is spared even when it
	// still has room, so the tail of its budget survives for retries.
	if preferred == models.ProviderPrimary && g.providerEnabled(models.ProviderSecondary) {
		_, _, monthCap := g.windowCaps(models.ProviderPrimary)
		if float64(snapshots[models.ProviderPrimary].Month.TokensUsed) >= config.FallbackThreshold*float64(monthCap) {
			preferred = models.ProviderSecondary
		}
	}

	order := []models.Provider{preferred, otherProvider(preferred)}
	blocked := models.WindowKind("")
	for _, p := range order {
		if !g.providerEnabled(p) {
			continue
		}
		snap := snapshots[p]
		if kind := g.blockedWindow(snap, estimated); kind != "" {
			blocked = mostBinding(blocked, kind)
			continue
		}
		g.checkThresholds(p, snap, now)
		d := models.AdmitDecision{Allowed: true, Provider: p, Snapshot: snap}
		g.observeDecision(agent, d)
		return d, nil
	}
	if blocked == "" {
		// No provider is configured at all.
		return deny(models.DenyBothProvidersExhausted), nil
	}
	return deny(denyReasonForWindow(blocked)), nil
}

func otherProvider(p models.Provider) models.Provider {
	if p == models.ProviderPrimary {
		return models.ProviderSecondary
	}
	return models.ProviderPrimary
}

// emergencyCrossed reports whether combined usage across enabled
// providers has reached the emergency share of the combined monthly cap.
func (g *Governor) emergencyCrossed(snapshots map[models.Provider]models.WindowSnapshot) bool {
	var used, limit int64
	for p, snap := range snapshots {
		_, _, month := g.windowCaps(p)
		used += snap.Month.TokensUsed
		limit += month
	}
	if limit == 0 {
		return false
	}
	return float64(used) >= config.EmergencyThreshold*float64(limit)
}

// Record commits actual usage for one request. Idempotent by request_id.
// Returns services.ErrConflict when a concurrent over-admission pushed
// the month window past its allowance; the caller must not repeat the
// external call.
func (g *Governor) Record(ctx context.Context, agent models.AgentType, provider models.Provider, tokensIn, tokensOut int64, success bool, requestID string) error {
	now := g.now()
	_, _, monthCap := g.windowCaps(provider)
	// The hard ceiling admits exactly one racing request past the cap.
	hardCap := monthCap + g.cfg.PerRequestLimit

	err := services.WithRetry(ctx, func() error {
		return g.ledger.AddUsage(ctx, provider, requestID, tokensIn, tokensOut, success, hardCap, now)
	})
	if err != nil {
		return err
	}

	snap, err := g.ledger.ReadWindowSnapshot(ctx, provider, now)
	if err == nil {
		g.checkThresholds(provider, snap, now)
	}
	g.logger.Debug("usage recorded",
		"agent_type", agent, "provider", provider, "request_id", requestID,
		"tokens_in", tokensIn, "tokens_out", tokensOut, "success", success)
	return nil
}

// Status projects the current budget state for the facade.
func (g *Governor) Status(ctx context.Context) (models.TokenStatus, error) {
	now := g.now()
	status := models.TokenStatus{AlertLevel: models.AlertActive}
	for _, p := range []models.Provider{models.ProviderPrimary, models.ProviderSecondary} {
		_, _, monthCap := g.windowCaps(p)
		ps := models.ProviderStatus{
			Provider:     p,
			Enabled:      g.providerEnabled(p),
			MonthlyLimit: monthCap,
			AlertLevel:   models.AlertActive,
		}
		if ps.Enabled {
			snap, err := g.ledger.ReadWindowSnapshot(ctx, p, now)
			if err != nil {
				return status, fmt.Errorf("reading ledger for %s: %w", p, err)
			}
			ps.Windows = snap
			ps.MonthlyUsed = snap.Month.TokensUsed
			ps.Remaining = monthCap - ps.MonthlyUsed
			if ps.Remaining < 0 {
				ps.Remaining = 0
			}
			if monthCap > 0 {
				ps.UsagePercent = float64(ps.MonthlyUsed) / float64(monthCap) * 100
			}
			ps.AlertLevel = alertLevelFor(ps.MonthlyUsed, monthCap)
		}
		if severity(ps.AlertLevel) > severity(status.AlertLevel) {
			status.AlertLevel = ps.AlertLevel
		}
		status.Providers = append(status.Providers, ps)
	}
	return status, nil
}

func alertLevelFor(used, limit int64) models.AlertLevel {
	if limit <= 0 {
		return models.AlertActive
	}
	share := float64(used) / float64(limit)
	switch {
	case share >= config.EmergencyThreshold:
		return models.AlertEmergency
	case share >= config.CriticalThreshold:
		return models.AlertCritical
	case share >= config.WarningThreshold:
		return models.AlertWarning
	}
	return models.AlertActive
}

func severity(l models.AlertLevel) int {
	switch l {
	case models.AlertEmergency:
		return 3
	case models.AlertCritical:
		return 2
	case models.AlertWarning:
		return 1
	}
	return 0
}

func (g *Governor) checkThresholds(p models.Provider, snap models.WindowSnapshot, now time.Time) {
	_, _, monthCap := g.windowCaps(p)
	g.alerts.noteLevel(g.logger, string(p), alertLevelFor(snap.Month.TokensUsed, monthCap), now)
}

func (g *Governor) observeDecision(agent models.AgentType, d models.AdmitDecision) {
	if d.Allowed {
		admissionsTotal.WithLabelValues(string(agent), "allow", "").Inc()
		return
	}
	admissionsTotal.WithLabelValues(string(agent), "deny", string(d.Reason)).Inc()
	g.logger.Info("admission denied",
		"agent_type", agent, "reason", d.Reason,
		"month_used", d.Snapshot.Month.TokensUsed)
}
