package models

import "time"

// Provider identifies an external LLM provider slot.
type Provider string

// Provider constants.
const (
	ProviderPrimary   Provider = "primary"
	ProviderSecondary Provider = "secondary"
)

// WindowKind is the granularity of a token usage window.
type WindowKind string

// Window kinds.
const (
	WindowHour  WindowKind = "hour"
	WindowDay   WindowKind = "day"
	WindowMonth WindowKind = "month"
)

// AllWindowKinds returns the granularities from finest to coarsest.
func AllWindowKinds() []WindowKind {
	return []WindowKind{WindowHour, WindowDay, WindowMonth}
}

// Truncate returns the window boundary containing t, in UTC.
func (k WindowKind) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch k {
	case WindowHour:
		return t.Truncate(time.Hour)
	case WindowDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case WindowMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// TokenWindow is one usage counter row, keyed (provider, kind, window_start).
// tokens_used is monotonic within the window.
type TokenWindow struct {
	Provider     Provider   `json:"provider"`
	Kind         WindowKind `json:"kind"`
	WindowStart  time.Time  `json:"window_start"`
	TokensUsed   int64      `json:"tokens_used"`
	RequestCount int64      `json:"request_count"`
}

// WindowSnapshot is a consistent multi-window read for one provider,
// taken under a single store read-view.
type WindowSnapshot struct {
	Provider Provider    `json:"provider"`
	Hour     TokenWindow `json:"hour"`
	Day      TokenWindow `json:"day"`
	Month    TokenWindow `json:"month"`
	ReadAt   time.Time   `json:"read_at"`
}

// DenyReason enumerates admission refusal causes, ordered here from most
// to least binding for reporting purposes.
type DenyReason string

// Deny reasons.
const (
	DenyEmergencyShutdown      DenyReason = "emergency_shutdown"
	DenyBothProvidersExhausted DenyReason = "both_providers_exhausted"
	DenyMonthlyExhausted       DenyReason = "monthly_exhausted"
	DenyDailyExhausted         DenyReason = "daily_exhausted"
	DenyHourlyExhausted        DenyReason = "hourly_exhausted"
	DenyRequestTooLarge        DenyReason = "request_too_large"
)

// AdmitDecision is the admission sum type: exactly one of Allowed (with a
// provider) or a deny reason. Callers cannot reach a provider without one.
type AdmitDecision struct {
	Allowed  bool           `json:"allowed"`
	Provider Provider       `json:"provider,omitempty"`
	Reason   DenyReason     `json:"reason,omitempty"`
	Snapshot WindowSnapshot `json:"snapshot"`
}

// AlertLevel is the governor's budget alarm state.
type AlertLevel string

// Alert levels in ascending severity.
const (
	AlertActive    AlertLevel = "active"
	AlertWarning   AlertLevel = "warning"
	AlertCritical  AlertLevel = "critical"
	AlertEmergency AlertLevel = "emergency"
)

// ProviderStatus is the per-provider usage projection exposed by Status.
type ProviderStatus struct {
	Provider     Provider       `json:"provider"`
	Enabled      bool           `json:"enabled"`
	MonthlyLimit int64          `json:"monthly_limit"`
	MonthlyUsed  int64          `json:"monthly_used"`
	UsagePercent float64        `json:"usage_percent"`
	Remaining    int64          `json:"remaining"`
	AlertLevel   AlertLevel     `json:"alert_level"`
	Windows      WindowSnapshot `json:"windows"`
}

// TokenStatus is the governor-wide status projection.
type TokenStatus struct {
	Providers  []ProviderStatus `json:"providers"`
	AlertLevel AlertLevel       `json:"alert_level"`
}
