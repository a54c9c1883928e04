package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/CTG813819/lvl-up-sub003/pkg/custody"
	"github.com/CTG813819/lvl-up-sub003/pkg/models"
	"github.com/CTG813819/lvl-up-sub003/pkg/scheduler"
)

// MetricsReader is the store surface the facade reads and administers.
type MetricsReader interface {
	GetAgentMetrics(ctx context.Context, agent models.AgentType) (*models.AgentMetrics, error)
	ListAgentMetrics(ctx context.Context) ([]models.AgentMetrics, error)
	GetRecentTests(ctx context.Context, agent models.AgentType, limit int) ([]models.TestHistoryEntry, error)
	UpsertAgentMetrics(ctx context.Context, agent models.AgentType, patch models.MetricsPatch) (*models.AgentMetrics, error)
	RecordTestResult(ctx context.Context, result *models.TestResult) (*models.AgentMetrics, error)
	ResetAgentMetrics(ctx context.Context, agent models.AgentType) (*models.AgentMetrics, error)
}

// GovernorReader exposes budget status and the admin ledger reset.
type GovernorReader interface {
	Status(ctx context.Context) (models.TokenStatus, error)
}

// LedgerAdmin is the admin-only token ledger surface.
type LedgerAdmin interface {
	ArchiveAndRollMonth(ctx context.Context, now time.Time) (int64, error)
}

// CustodyGate computes proposal eligibility.
type CustodyGate interface {
	EligibleToPropose(ctx context.Context, agent models.AgentType) (*models.Eligibility, error)
}

// SchedulerControl is the facade's command surface on the scheduler.
type SchedulerControl interface {
	TriggerNow(agent models.AgentType) error
	Unblock(agent models.AgentType)
	AgentStates() map[models.AgentType]scheduler.AgentStateView
}

type handlers struct {
	metrics   MetricsReader
	governor  GovernorReader
	ledger    LedgerAdmin
	gate      CustodyGate
	scheduler SchedulerControl
}

func parseAgent(c *gin.Context) (models.AgentType, bool) {
	agent, err := models.ParseAgentType(c.Param("agent_type"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return "", false
	}
	return agent, true
}

func (h *handlers) getAgentMetrics(c *gin.Context) {
	agent, ok := parseAgent(c)
	if !ok {
		return
	}
	m, err := h.metrics.GetAgentMetrics(c.Request.Context(), agent)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *handlers) getAgentCustody(c *gin.Context) {
	agent, ok := parseAgent(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	m, err := h.metrics.GetAgentMetrics(ctx, agent)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	recent, err := h.metrics.GetRecentTests(ctx, agent, models.TestHistoryCap)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	eligibility, err := h.gate.EligibleToPropose(ctx, agent)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics":      m,
		"recent_tests": recent,
		"eligibility":  eligibility,
	})
}

type custodyTestRequest struct {
	TestID     string  `json:"test_id"`
	Passed     *bool   `json:"passed"`
	Score      float64 `json:"score"`
	DurationMS int64   `json:"duration_ms"`
	XPAwarded  *int64  `json:"xp_awarded"`
	Difficulty string  `json:"difficulty"`
	Summary    string  `json:"summary"`
}

// postCustodyTest records an externally administered test outcome.
func (h *handlers) postCustodyTest(c *gin.Context) {
	agent, ok := parseAgent(c)
	if !ok {
		return
	}
	var req custodyTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: "malformed body: " + err.Error()})
		return
	}
	if req.Passed == nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: "passed is required"})
		return
	}
	if req.Score < 0 || req.Score > 100 {
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: "score must be between 0 and 100"})
		return
	}

	difficulty := models.DifficultyBasic
	if req.Difficulty != "" {
		var err error
		if difficulty, err = models.ParseDifficulty(req.Difficulty); err != nil {
			c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	// A caller-supplied test_id makes the submission idempotent, but a
	// replay is reported as a conflict rather than silently absorbed.
	testID := req.TestID
	if testID == "" {
		testID = uuid.NewString()
	} else {
		recent, err := h.metrics.GetRecentTests(ctx, agent, models.TestHistoryCap)
		if err != nil {
			mapServiceError(c, err)
			return
		}
		for _, e := range recent {
			if e.TestID == testID {
				c.JSON(http.StatusConflict, errorBody{Error: "test_id already recorded"})
				return
			}
		}
	}

	xp := custody.XPAward(difficulty, *req.Passed)
	if req.XPAwarded != nil {
		xp = *req.XPAwarded
	}
	now := time.Now().UTC()
	result := &models.TestResult{
		TestID:          testID,
		AgentType:       agent,
		Difficulty:      difficulty,
		ScenarioSummary: req.Summary,
		OverallScore:    req.Score,
		Passed:          *req.Passed,
		XPAwarded:       xp,
		DurationMS:      req.DurationMS,
		IssuedAt:        now.Add(-time.Duration(req.DurationMS) * time.Millisecond),
		CompletedAt:     now,
		FeedbackText:    req.Summary,
	}
	m, err := h.metrics.RecordTestResult(ctx, result)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type bulkUpdateResult struct {
	OK      bool                 `json:"ok"`
	Error   string               `json:"error,omitempty"`
	Metrics *models.AgentMetrics `json:"metrics,omitempty"`
}

func (h *handlers) bulkUpdate(c *gin.Context) {
	var patches map[string]models.MetricsPatch
	if err := c.ShouldBindJSON(&patches); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: "malformed body: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	results := make(map[string]bulkUpdateResult, len(patches))
	failures := 0
	for raw, patch := range patches {
		agent, err := models.ParseAgentType(raw)
		if err != nil {
			results[raw] = bulkUpdateResult{Error: err.Error()}
			failures++
			continue
		}
		m, err := h.metrics.UpsertAgentMetrics(ctx, agent, patch)
		if err != nil {
			results[raw] = bulkUpdateResult{Error: err.Error()}
			failures++
			continue
		}
		results[raw] = bulkUpdateResult{OK: true, Metrics: m}
	}

	code := http.StatusOK
	if failures > 0 && failures < len(patches) {
		code = http.StatusMultiStatus
	} else if failures > 0 {
		code = http.StatusUnprocessableEntity
	}
	c.JSON(code, results)
}

func (h *handlers) resetAgent(c *gin.Context) {
	agent, ok := parseAgent(c)
	if !ok {
		return
	}
	if _, err := h.metrics.ResetAgentMetrics(c.Request.Context(), agent); err != nil {
		mapServiceError(c, err)
		return
	}
	// The reset also lifts an in-memory budget block so the agent does
	// not stay dark until the next process restart.
	h.scheduler.Unblock(agent)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) tokenStatus(c *gin.Context) {
	status, err := h.governor.Status(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *handlers) resetTokenUsage(c *gin.Context) {
	archived, err := h.ledger.ArchiveAndRollMonth(c.Request.Context(), time.Now())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rows_archived": archived})
}

func (h *handlers) triggerAgent(c *gin.Context) {
	agent, ok := parseAgent(c)
	if !ok {
		return
	}
	if err := h.scheduler.TriggerNow(agent); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scheduled_at": time.Now().UTC()})
}

type leaderboardRow struct {
	AgentType     models.AgentType `json:"agent_type"`
	Level         int              `json:"level"`
	XP            int64            `json:"xp"`
	LearningScore float64          `json:"learning_score"`
	PassRate      float64          `json:"pass_rate"`
}

func (h *handlers) leaderboard(c *gin.Context) {
	all, err := h.metrics.ListAgentMetrics(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	rows := make([]leaderboardRow, 0, len(all))
	for _, m := range all {
		row := leaderboardRow{
			AgentType:     m.AgentType,
			Level:         m.Level,
			XP:            m.XP,
			LearningScore: m.LearningScore,
		}
		if m.TotalTestsGiven > 0 {
			row.PassRate = float64(m.TotalTestsPassed) / float64(m.TotalTestsGiven)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].XP != rows[j].XP {
			return rows[i].XP > rows[j].XP
		}
		return rows[i].AgentType < rows[j].AgentType
	})
	c.JSON(http.StatusOK, rows)
}

func (h *handlers) agentStatus(c *gin.Context) {
	agent, ok := parseAgent(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	m, err := h.metrics.GetAgentMetrics(ctx, agent)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	recent, err := h.metrics.GetRecentTests(ctx, agent, 1)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	eligibility, err := h.gate.EligibleToPropose(ctx, agent)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	var recentTest *models.TestHistoryEntry
	if len(recent) > 0 {
		recentTest = &recent[len(recent)-1]
	}
	view := h.scheduler.AgentStates()[agent]
	c.JSON(http.StatusOK, gin.H{
		"state":             view.Status,
		"last_started_at":   m.LastStartedAt,
		"last_finished_at":  m.LastFinishedAt,
		"next_scheduled_at": view.NextScheduledAt,
		"recent_test":       recentTest,
		"eligibility":       eligibility,
	})
}
