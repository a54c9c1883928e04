package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CTG813819/lvl-up-sub003/pkg/models"
)

// MetricsService owns the agent_metrics and test_history tables. All
// writes run under the agent's row lock; reads return snapshots.
type MetricsService struct {
	pool *pgxpool.Pool
}

// NewMetricsService creates a new MetricsService.
func NewMetricsService(pool *pgxpool.Pool) *MetricsService {
	return &MetricsService{pool: pool}
}

const agentMetricsColumns = `agent_type, learning_score, xp, level, prestige,
	total_learning_cycles, current_difficulty,
	total_tests_given, total_tests_passed, total_tests_failed,
	consecutive_successes, consecutive_failures, last_test_at,
	status, last_started_at, last_finished_at, blocked_reason, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentMetrics(row rowScanner) (*models.AgentMetrics, error) {
	var m models.AgentMetrics
	err := row.Scan(
		&m.AgentType, &m.LearningScore, &m.XP, &m.Level, &m.Prestige,
		&m.TotalLearningCycles, &m.CurrentDifficulty,
		&m.TotalTestsGiven, &m.TotalTestsPassed, &m.TotalTestsFailed,
		&m.ConsecutiveSuccesses, &m.ConsecutiveFailures, &m.LastTestAt,
		&m.Status, &m.LastStartedAt, &m.LastFinishedAt, &m.BlockedReason, &m.UpdatedAt,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &m, nil
}

// GetAgentMetrics returns a point-in-time snapshot for one agent.
func (s *MetricsService) GetAgentMetrics(ctx context.Context, agent models.AgentType) (*models.AgentMetrics, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentMetricsColumns+` FROM agent_metrics WHERE agent_type = $1`, agent)
	return scanAgentMetrics(row)
}

// ListAgentMetrics returns snapshots for all known agents under a single
// read-view, in canonical agent order.
func (s *MetricsService) ListAgentMetrics(ctx context.Context) ([]models.AgentMetrics, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentMetricsColumns+` FROM agent_metrics ORDER BY agent_type`)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []models.AgentMetrics
	for rows.Next() {
		m, err := scanAgentMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return out, nil
}

// lockAgentRow creates the default row if absent and locks it for update.
func lockAgentRow(ctx context.Context, tx pgx.Tx, agent models.AgentType) (*models.AgentMetrics, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO agent_metrics (agent_type) VALUES ($1) ON CONFLICT (agent_type) DO NOTHING`, agent)
	if err != nil {
		return nil, mapPgError(err)
	}
	row := tx.QueryRow(ctx,
		`SELECT `+agentMetricsColumns+` FROM agent_metrics WHERE agent_type = $1 FOR UPDATE`, agent)
	return scanAgentMetrics(row)
}

// UpsertAgentMetrics applies a closed-form patch under the agent's row
// lock, creating the default row if absent. Monotonic fields may only
// move forward; breaches return ErrInvariantViolation.
func (s *MetricsService) UpsertAgentMetrics(ctx context.Context, agent models.AgentType, patch models.MetricsPatch) (*models.AgentMetrics, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := lockAgentRow(ctx, tx, agent)
	if err != nil {
		return nil, err
	}

	if patch.LearningScore != nil {
		if *patch.LearningScore < 0 {
			return nil, fmt.Errorf("%w: learning_score must be non-negative", ErrInvariantViolation)
		}
		m.LearningScore = *patch.LearningScore
	}
	if patch.XP != nil {
		if *patch.XP < m.XP {
			return nil, fmt.Errorf("%w: xp may not decrease (%d -> %d)", ErrInvariantViolation, m.XP, *patch.XP)
		}
		m.XP = *patch.XP
	}
	if patch.Prestige != nil {
		if *patch.Prestige < m.Prestige {
			return nil, fmt.Errorf("%w: prestige may not decrease", ErrInvariantViolation)
		}
		m.Prestige = *patch.Prestige
	}
	if patch.TotalLearningCycles != nil {
		if *patch.TotalLearningCycles < m.TotalLearningCycles {
			return nil, fmt.Errorf("%w: total_learning_cycles may not decrease", ErrInvariantViolation)
		}
		m.TotalLearningCycles = *patch.TotalLearningCycles
	}
	if patch.CurrentDifficulty != nil {
		d, err := models.ParseDifficulty(string(*patch.CurrentDifficulty))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		m.CurrentDifficulty = d
	}
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.BlockedReason != nil {
		m.BlockedReason = *patch.BlockedReason
	}
	m.Level = models.LevelForXP(m.XP)
	m.UpdatedAt = time.Now().UTC()

	if err := writeAgentMetrics(ctx, tx, m); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}
	return m, nil
}

func writeAgentMetrics(ctx context.Context, tx pgx.Tx, m *models.AgentMetrics) error {
	_, err := tx.Exec(ctx, `
		UPDATE agent_metrics SET
			learning_score = $2, xp = $3, level = $4, prestige = $5,
			total_learning_cycles = $6, current_difficulty = $7,
			total_tests_given = $8, total_tests_passed = $9, total_tests_failed = $10,
			consecutive_successes = $11, consecutive_failures = $12, last_test_at = $13,
			status = $14, last_started_at = $15, last_finished_at = $16,
			blocked_reason = $17, updated_at = $18
		WHERE agent_type = $1`,
		m.AgentType, m.LearningScore, m.XP, m.Level, m.Prestige,
		m.TotalLearningCycles, m.CurrentDifficulty,
		m.TotalTestsGiven, m.TotalTestsPassed, m.TotalTestsFailed,
		m.ConsecutiveSuccesses, m.ConsecutiveFailures, m.LastTestAt,
		m.Status, m.LastStartedAt, m.LastFinishedAt, m.BlockedReason, m.UpdatedAt,
	)
	return mapPgError(err)
}

// RecordTestResult atomically applies one custody test outcome: appends
// the history entry (evicting beyond the cap), updates counters and
// streaks, awards XP, recomputes level, and advances the persisted
// difficulty. Replaying the same test_id is a no-op returning the current
// snapshot.
func (s *MetricsService) RecordTestResult(ctx context.Context, result *models.TestResult) (*models.AgentMetrics, error) {
	if result.TestID == "" {
		return nil, NewValidationError("test_id", "required")
	}
	if result.OverallScore < 0 || result.OverallScore > 100 {
		return nil, fmt.Errorf("%w: overall_score out of range", ErrInvariantViolation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := lockAgentRow(ctx, tx, result.AgentType)
	if err != nil {
		return nil, err
	}

	// Idempotency: a seen test_id yields the prior state untouched.
	var seen bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM test_history WHERE test_id = $1)`, result.TestID).Scan(&seen); err != nil {
		return nil, mapPgError(err)
	}
	if seen {
		return m, nil
	}

	entry := result.HistoryEntry()
	var nonce *string
	if result.TriggerNonce != "" {
		nonce = &result.TriggerNonce
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO test_history
			(test_id, agent_type, ts, difficulty, passed, score, duration_ms,
			 xp_awarded, evaluation_summary, synthesized, trigger_nonce)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.TestID, result.AgentType, entry.Timestamp, entry.Difficulty,
		entry.Passed, entry.Score, entry.DurationMS, entry.XPAwarded,
		truncateSummary(entry.EvaluationSummary), entry.Synthesized, nonce,
	)
	if err != nil {
		return nil, mapPgError(err)
	}

	// Evict beyond the cap, oldest first.
	_, err = tx.Exec(ctx, `
		DELETE FROM test_history WHERE test_id IN (
			SELECT test_id FROM test_history
			WHERE agent_type = $1
			ORDER BY ts DESC, test_id
			OFFSET $2
		)`, result.AgentType, models.TestHistoryCap)
	if err != nil {
		return nil, mapPgError(err)
	}

	next := models.NextDifficulty(m, result)

	m.TotalTestsGiven++
	if result.Passed {
		m.TotalTestsPassed++
		m.ConsecutiveSuccesses++
		m.ConsecutiveFailures = 0
	} else {
		m.TotalTestsFailed++
		m.ConsecutiveFailures++
		m.ConsecutiveSuccesses = 0
	}
	m.XP += result.XPAwarded
	m.Level = models.LevelForXP(m.XP)
	m.CurrentDifficulty = next
	completed := result.CompletedAt.UTC()
	m.LastTestAt = &completed
	m.UpdatedAt = time.Now().UTC()

	if err := writeAgentMetrics(ctx, tx, m); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}
	return m, nil
}

// evaluationSummaryCap bounds a stored evaluation summary to 1 KiB.
const evaluationSummaryCap = 1024

func truncateSummary(s string) string {
	if len(s) <= evaluationSummaryCap {
		return s
	}
	// Back off to a rune boundary so the stored value stays valid UTF-8.
	cut := evaluationSummaryCap
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// GetRecentTests returns up to limit history entries for an agent in
// ascending timestamp order. Limit is clamped to the history cap.
func (s *MetricsService) GetRecentTests(ctx context.Context, agent models.AgentType, limit int) ([]models.TestHistoryEntry, error) {
	if limit <= 0 || limit > models.TestHistoryCap {
		limit = models.TestHistoryCap
	}
	rows, err := s.pool.Query(ctx, `
		SELECT test_id, ts, difficulty, passed, score, duration_ms,
		       xp_awarded, evaluation_summary, synthesized
		FROM (
			SELECT * FROM test_history
			WHERE agent_type = $1
			ORDER BY ts DESC, test_id
			LIMIT $2
		) recent
		ORDER BY ts ASC, test_id`, agent, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []models.TestHistoryEntry
	for rows.Next() {
		var e models.TestHistoryEntry
		if err := rows.Scan(&e.TestID, &e.Timestamp, &e.Difficulty, &e.Passed,
			&e.Score, &e.DurationMS, &e.XPAwarded, &e.EvaluationSummary, &e.Synthesized); err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return out, nil
}

// HasTestSince reports whether the agent has any custody record at or
// after the given instant. Used by startup recovery.
func (s *MetricsService) HasTestSince(ctx context.Context, agent models.AgentType, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM test_history WHERE agent_type = $1 AND ts >= $2)`,
		agent, since.UTC()).Scan(&exists)
	if err != nil {
		return false, mapPgError(err)
	}
	return exists, nil
}

// HasTriggerNonce reports whether a custody trigger nonce was already
// consumed for this agent. A repeated trigger with a seen nonce is
// dropped before any test is generated.
func (s *MetricsService) HasTriggerNonce(ctx context.Context, agent models.AgentType, nonce string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM test_history WHERE agent_type = $1 AND trigger_nonce = $2)`,
		agent, nonce).Scan(&exists)
	if err != nil {
		return false, mapPgError(err)
	}
	return exists, nil
}

// CheckpointStatus persists a scheduler state transition for crash
// recovery. Creates the default row when absent.
func (s *MetricsService) CheckpointStatus(ctx context.Context, agent models.AgentType, status models.AgentStatus, startedAt, finishedAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_metrics (agent_type, status, last_started_at, last_finished_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (agent_type) DO UPDATE SET
			status = EXCLUDED.status,
			last_started_at = COALESCE(EXCLUDED.last_started_at, agent_metrics.last_started_at),
			last_finished_at = COALESCE(EXCLUDED.last_finished_at, agent_metrics.last_finished_at),
			updated_at = now()`,
		agent, status, startedAt, finishedAt)
	return mapPgError(err)
}

// IncrementLearningCycles bumps the completed-cycle counter after a
// successful learning run.
func (s *MetricsService) IncrementLearningCycles(ctx context.Context, agent models.AgentType) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_metrics (agent_type, total_learning_cycles, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (agent_type) DO UPDATE SET
			total_learning_cycles = agent_metrics.total_learning_cycles + 1,
			updated_at = now()`, agent)
	return mapPgError(err)
}

// AgentsWithStatus returns the agents currently checkpointed at the
// given status. Used by startup recovery to find interrupted cooldowns.
func (s *MetricsService) AgentsWithStatus(ctx context.Context, status models.AgentStatus) ([]models.AgentMetrics, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentMetricsColumns+` FROM agent_metrics WHERE status = $1 ORDER BY agent_type`, status)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []models.AgentMetrics
	for rows.Next() {
		m, err := scanAgentMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return out, nil
}

// ResetAgentMetrics archives the current snapshot then zeroes all
// counters; difficulty returns to basic and history is cleared.
// Admin-only at the facade.
func (s *MetricsService) ResetAgentMetrics(ctx context.Context, agent models.AgentType) (*models.AgentMetrics, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := lockAgentRow(ctx, tx, agent)
	if err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metrics snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_metrics_archive (agent_type, snapshot, reason) VALUES ($1, $2, 'reset')`,
		agent, snapshot); err != nil {
		return nil, mapPgError(err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM test_history WHERE agent_type = $1`, agent); err != nil {
		return nil, mapPgError(err)
	}

	now := time.Now().UTC()
	reset := &models.AgentMetrics{
		AgentType:         agent,
		Level:             1,
		CurrentDifficulty: models.DifficultyBasic,
		Status:            models.StatusIdle,
		UpdatedAt:         now,
	}
	if err := writeAgentMetrics(ctx, tx, reset); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}
	return reset, nil
}
