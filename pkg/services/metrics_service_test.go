package services

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CTG813819/lvl-up-sub003/pkg/models"
	"github.com/CTG813819/lvl-up-sub003/test/util"
)

func passResult(agent models.AgentType, difficulty models.Difficulty, completedAt time.Time) *models.TestResult {
	return &models.TestResult{
		TestID:       uuid.NewString(),
		AgentType:    agent,
		Difficulty:   difficulty,
		OverallScore: 82,
		Passed:       true,
		XPAwarded:    50,
		DurationMS:   1200,
		IssuedAt:     completedAt.Add(-time.Minute),
		CompletedAt:  completedAt,
		FeedbackText: "solid coverage of every objective",
	}
}

func failResult(agent models.AgentType, difficulty models.Difficulty, completedAt time.Time) *models.TestResult {
	r := passResult(agent, difficulty, completedAt)
	r.OverallScore = 30
	r.Passed = false
	r.XPAwarded = 25
	r.FeedbackText = "missed the core objectives"
	return r
}

func TestGetAgentMetricsNotFound(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	_, err := svc.GetAgentMetrics(context.Background(), models.AgentImperium)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertCreatesDefaultRow(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	score := 12.5
	m, err := svc.UpsertAgentMetrics(context.Background(), models.AgentGuardian, models.MetricsPatch{
		LearningScore: &score,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AgentGuardian, m.AgentType)
	assert.Equal(t, 12.5, m.LearningScore)
	assert.Equal(t, int64(0), m.XP)
	assert.Equal(t, 1, m.Level)
	assert.Equal(t, models.DifficultyBasic, m.CurrentDifficulty)
	assert.Equal(t, models.StatusIdle, m.Status)
}

func TestUpsertRecomputesLevelFromXP(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	xp := int64(2500)
	m, err := svc.UpsertAgentMetrics(context.Background(), models.AgentSandbox, models.MetricsPatch{XP: &xp})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Level)
}

func TestUpsertRejectsInvariantBreaches(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()

	xp := int64(500)
	_, err := svc.UpsertAgentMetrics(ctx, models.AgentConquest, models.MetricsPatch{XP: &xp})
	require.NoError(t, err)

	lower := int64(100)
	_, err = svc.UpsertAgentMetrics(ctx, models.AgentConquest, models.MetricsPatch{XP: &lower})
	assert.ErrorIs(t, err, ErrInvariantViolation)

	negative := -1.0
	_, err = svc.UpsertAgentMetrics(ctx, models.AgentConquest, models.MetricsPatch{LearningScore: &negative})
	assert.ErrorIs(t, err, ErrInvariantViolation)

	bad := models.Difficulty("impossible")
	_, err = svc.UpsertAgentMetrics(ctx, models.AgentConquest, models.MetricsPatch{CurrentDifficulty: &bad})
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestRecordTestResultHappyPath(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()

	result := passResult(models.AgentGuardian, models.DifficultyBasic, time.Now().UTC())
	m, err := svc.RecordTestResult(ctx, result)
	require.NoError(t, err)

	assert.Equal(t, int64(1), m.TotalTestsGiven)
	assert.Equal(t, int64(1), m.TotalTestsPassed)
	assert.Equal(t, int64(0), m.TotalTestsFailed)
	assert.Equal(t, 1, m.ConsecutiveSuccesses)
	assert.Equal(t, 0, m.ConsecutiveFailures)
	assert.Equal(t, int64(50), m.XP)
	assert.Equal(t, 1, m.Level)
	assert.Equal(t, models.DifficultyBasic, m.CurrentDifficulty)
	require.NotNil(t, m.LastTestAt)

	history, err := svc.GetRecentTests(ctx, models.AgentGuardian, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, result.TestID, history[0].TestID)
	assert.Equal(t, 82.0, history[0].Score)
}

func TestRecordTestResultIdempotentReplay(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()

	result := passResult(models.AgentImperium, models.DifficultyBasic, time.Now().UTC())
	first, err := svc.RecordTestResult(ctx, result)
	require.NoError(t, err)

	second, err := svc.RecordTestResult(ctx, result)
	require.NoError(t, err)

	assert.Equal(t, first.XP, second.XP)
	assert.Equal(t, first.TotalTestsGiven, second.TotalTestsGiven)
	assert.Equal(t, first.ConsecutiveSuccesses, second.ConsecutiveSuccesses)

	history, err := svc.GetRecentTests(ctx, models.AgentImperium, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRecordTestResultValidation(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()

	missing := passResult(models.AgentSandbox, models.DifficultyBasic, time.Now().UTC())
	missing.TestID = ""
	_, err := svc.RecordTestResult(ctx, missing)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	outOfRange := passResult(models.AgentSandbox, models.DifficultyBasic, time.Now().UTC())
	outOfRange.OverallScore = 101
	_, err = svc.RecordTestResult(ctx, outOfRange)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestPassStreakRaisesDifficulty(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 2; i++ {
		m, err := svc.RecordTestResult(ctx,
			passResult(models.AgentGuardian, models.DifficultyBasic, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, models.DifficultyBasic, m.CurrentDifficulty)
	}

	// The third consecutive pass steps the persisted difficulty up.
	m, err := svc.RecordTestResult(ctx,
		passResult(models.AgentGuardian, models.DifficultyBasic, base.Add(3*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, 3, m.ConsecutiveSuccesses)
	assert.Equal(t, models.DifficultyIntermediate, m.CurrentDifficulty)
}

func TestFailureStreakLowersDifficultyAndResetsOnPass(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	diff := models.DifficultyIntermediate
	_, err := svc.UpsertAgentMetrics(ctx, models.AgentSandbox, models.MetricsPatch{CurrentDifficulty: &diff})
	require.NoError(t, err)

	var m *models.AgentMetrics
	for i := 0; i < 3; i++ {
		m, err = svc.RecordTestResult(ctx,
			failResult(models.AgentSandbox, models.DifficultyIntermediate, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.ConsecutiveFailures)
	assert.Equal(t, 0, m.ConsecutiveSuccesses)
	assert.Equal(t, models.DifficultyBasic, m.CurrentDifficulty)
	assert.Equal(t, int64(75), m.XP)

	m, err = svc.RecordTestResult(ctx,
		passResult(models.AgentSandbox, models.DifficultyBasic, base.Add(10*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, 1, m.ConsecutiveSuccesses)
	assert.Equal(t, 0, m.ConsecutiveFailures)
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-24 * time.Hour)

	var firstID string
	for i := 0; i < models.TestHistoryCap+5; i++ {
		r := passResult(models.AgentConquest, models.DifficultyBasic, base.Add(time.Duration(i)*time.Minute))
		if i == 0 {
			firstID = r.TestID
		}
		_, err := svc.RecordTestResult(ctx, r)
		require.NoError(t, err)
	}

	history, err := svc.GetRecentTests(ctx, models.AgentConquest, models.TestHistoryCap)
	require.NoError(t, err)
	require.Len(t, history, models.TestHistoryCap)
	for _, e := range history {
		assert.NotEqual(t, firstID, e.TestID)
	}
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp))
	}
}

func TestEvaluationSummaryTruncatedToCap(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()

	r := passResult(models.AgentImperium, models.DifficultyBasic, time.Now().UTC())
	r.FeedbackText = strings.Repeat("x", 4096)
	_, err := svc.RecordTestResult(ctx, r)
	require.NoError(t, err)

	history, err := svc.GetRecentTests(ctx, models.AgentImperium, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Len(t, history[0].EvaluationSummary, evaluationSummaryCap)
}

func TestTruncateSummaryKeepsValidUTF8(t *testing.T) {
	// Two-byte runes put the byte cap mid-rune; the cut must land on a
	// rune boundary.
	long := strings.Repeat("é", evaluationSummaryCap)
	got := truncateSummary(long)
	assert.LessOrEqual(t, len(got), evaluationSummaryCap)
	assert.True(t, utf8.ValidString(got))

	short := strings.Repeat("a", 10)
	assert.Equal(t, short, truncateSummary(short))
}

func TestGetRecentTestsClampsLimit(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		_, err := svc.RecordTestResult(ctx,
			passResult(models.AgentGuardian, models.DifficultyBasic, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	history, err := svc.GetRecentTests(ctx, models.AgentGuardian, 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	history, err = svc.GetRecentTests(ctx, models.AgentGuardian, 9999)
	require.NoError(t, err)
	assert.Len(t, history, 5)
}

func TestHasTestSinceAndTriggerNonce(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()
	now := time.Now().UTC()

	r := passResult(models.AgentSandbox, models.DifficultyBasic, now)
	r.TriggerNonce = "nonce-abc"
	_, err := svc.RecordTestResult(ctx, r)
	require.NoError(t, err)

	tested, err := svc.HasTestSince(ctx, models.AgentSandbox, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, tested)

	tested, err = svc.HasTestSince(ctx, models.AgentSandbox, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, tested)

	seen, err := svc.HasTriggerNonce(ctx, models.AgentSandbox, "nonce-abc")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = svc.HasTriggerNonce(ctx, models.AgentSandbox, "nonce-other")
	require.NoError(t, err)
	assert.False(t, seen)

	// The nonce is scoped per agent.
	seen, err = svc.HasTriggerNonce(ctx, models.AgentGuardian, "nonce-abc")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestCheckpointStatusCreatesAndUpdates(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)
	finished := time.Now().UTC()

	require.NoError(t, svc.CheckpointStatus(ctx, models.AgentImperium, models.StatusRunning, &started, nil))
	m, err := svc.GetAgentMetrics(ctx, models.AgentImperium)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, m.Status)
	require.NotNil(t, m.LastStartedAt)

	// A nil startedAt leaves the earlier checkpoint in place.
	require.NoError(t, svc.CheckpointStatus(ctx, models.AgentImperium, models.StatusCooldown, nil, &finished))
	m, err = svc.GetAgentMetrics(ctx, models.AgentImperium)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCooldown, m.Status)
	require.NotNil(t, m.LastStartedAt)
	require.NotNil(t, m.LastFinishedAt)
}

func TestAgentsWithStatus(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()

	require.NoError(t, svc.CheckpointStatus(ctx, models.AgentImperium, models.StatusCooldown, nil, nil))
	require.NoError(t, svc.CheckpointStatus(ctx, models.AgentGuardian, models.StatusIdle, nil, nil))
	require.NoError(t, svc.CheckpointStatus(ctx, models.AgentSandbox, models.StatusCooldown, nil, nil))

	cooling, err := svc.AgentsWithStatus(ctx, models.StatusCooldown)
	require.NoError(t, err)
	require.Len(t, cooling, 2)
	assert.Equal(t, models.AgentImperium, cooling[0].AgentType)
	assert.Equal(t, models.AgentSandbox, cooling[1].AgentType)
}

func TestIncrementLearningCycles(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()

	require.NoError(t, svc.IncrementLearningCycles(ctx, models.AgentConquest))
	require.NoError(t, svc.IncrementLearningCycles(ctx, models.AgentConquest))

	m, err := svc.GetAgentMetrics(ctx, models.AgentConquest)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.TotalLearningCycles)
}

func TestListAgentMetricsOrdered(t *testing.T) {
	svc := NewMetricsService(util.SetupTestPool(t))
	ctx := context.Background()

	for _, agent := range []models.AgentType{models.AgentSandbox, models.AgentImperium} {
		require.NoError(t, svc.CheckpointStatus(ctx, agent, models.StatusIdle, nil, nil))
	}
	all, err := svc.ListAgentMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, models.AgentImperium, all[0].AgentType)
	assert.Equal(t, models.AgentSandbox, all[1].AgentType)
}

func TestResetAgentMetricsArchivesAndZeroes(t *testing.T) {
	pool := util.SetupTestPool(t)
	svc := NewMetricsService(pool)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordTestResult(ctx,
			passResult(models.AgentGuardian, models.DifficultyBasic, time.Now().UTC().Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	m, err := svc.ResetAgentMetrics(ctx, models.AgentGuardian)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.XP)
	assert.Equal(t, 1, m.Level)
	assert.Equal(t, int64(0), m.TotalTestsGiven)
	assert.Equal(t, models.DifficultyBasic, m.CurrentDifficulty)
	assert.Equal(t, models.StatusIdle, m.Status)

	history, err := svc.GetRecentTests(ctx, models.AgentGuardian, models.TestHistoryCap)
	require.NoError(t, err)
	assert.Empty(t, history)

	var archived int
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM agent_metrics_archive WHERE agent_type = $1 AND reason = 'reset'`,
		models.AgentGuardian).Scan(&archived)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
}
