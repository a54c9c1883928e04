package governor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/CTG813819/lvl-up-sub003/pkg/models"
)

var (
	admissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvlup_token_admissions_total",
		Help: "Token budget admission decisions by agent, outcome, and deny reason.",
	}, []string{"agent_type", "decision", "reason"})

	budgetAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvlup_budget_alerts_total",
		Help: "Budget alert threshold crossings by scope and level.",
	}, []string{"scope", "level"})
)

// alertState tracks which alert levels have fired this month, per scope
// (provider name or "global"). Crossings are edge-triggered: a level
// fires once per month and re-arms when usage drops back below it.
type alertState struct {
	mu    sync.Mutex
	month time.Time
	fired map[string]models.AlertLevel
}

func newAlertState() *alertState {
	return &alertState{fired: map[string]models.AlertLevel{}}
}

// noteLevel records the observed level for a scope, emitting the alert
// event on an upward crossing and re-arming on the way down.
func (a *alertState) noteLevel(logger *slog.Logger, scope string, level models.AlertLevel, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	monthStart := models.WindowMonth.Truncate(now)
	if !monthStart.Equal(a.month) {
		a.month = monthStart
		a.fired = map[string]models.AlertLevel{}
	}

	prev, ok := a.fired[scope]
	if !ok {
		prev = models.AlertActive
	}
	if severity(level) > severity(prev) {
		budgetAlertsTotal.WithLabelValues(scope, string(level)).Inc()
		logger.Warn("budget alert threshold crossed",
			"scope", scope, "level", level, "month", monthStart.Format("2006-01"))
	}
	// Dropping below a previously fired level re-arms it.
	a.fired[scope] = level
}
