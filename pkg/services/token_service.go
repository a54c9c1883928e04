package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CTG813819/lvl-up-sub003/pkg/models"
)

// TokenLedgerService owns the token_usage counters and the per-request
// dedup table. Counters roll hourly, daily, and monthly; a usage write
// increments all three windows atomically.
type TokenLedgerService struct {
	pool *pgxpool.Pool
}

// NewTokenLedgerService creates a new TokenLedgerService.
func NewTokenLedgerService(pool *pgxpool.Pool) *TokenLedgerService {
	return &TokenLedgerService{pool: pool}
}

// ReadWindowSnapshot returns the hour, day, and month counters for one
// provider at the given instant, read under a single transaction so the
// three values are mutually consistent. Absent rows read as zero.
func (s *TokenLedgerService) ReadWindowSnapshot(ctx context.Context, provider models.Provider, at time.Time) (models.WindowSnapshot, error) {
	snap := models.WindowSnapshot{Provider: provider, ReadAt: at.UTC()}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return snap, mapPgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, kind := range models.AllWindowKinds() {
		w := models.TokenWindow{
			Provider:    provider,
			Kind:        kind,
			WindowStart: kind.Truncate(at),
		}
		err := tx.QueryRow(ctx, `
			SELECT tokens_used, request_count FROM token_usage
			WHERE provider = $1 AND window_kind = $2 AND window_start = $3`,
			provider, kind, w.WindowStart).Scan(&w.TokensUsed, &w.RequestCount)
		if err != nil && mapPgError(err) != ErrNotFound {
			return snap, mapPgError(err)
		}
		switch kind {
		case models.WindowHour:
			snap.Hour = w
		case models.WindowDay:
			snap.Day = w
		case models.WindowMonth:
			snap.Month = w
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return snap, mapPgError(err)
	}
	return snap, nil
}

// AddUsage records one request's token consumption against all three
// windows of a provider. Duplicate request IDs are dropped without
// touching the counters; the first write wins. A positive monthlyCap is
// enforced under the month row's lock: a write that would push the month
// past it fails with ErrConflict and records nothing, which bounds
// over-admission races to a single in-flight request.
func (s *TokenLedgerService) AddUsage(ctx context.Context, provider models.Provider, requestID string, tokensIn, tokensOut int64, success bool, monthlyCap int64, at time.Time) error {
	if requestID == "" {
		return NewValidationError("request_id", "required")
	}
	if tokensIn < 0 || tokensOut < 0 {
		return NewValidationError("tokens", "must be non-negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Dedup before the cap check: a replay of an already-recorded
	// request is a no-op even when the month window sits at its ceiling.
	tag, err := tx.Exec(ctx, `
		INSERT INTO token_requests (request_id, provider, tokens_in, tokens_out, success)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING`,
		requestID, provider, tokensIn, tokensOut, success)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		// Replay of a recorded request.
		return nil
	}

	total := tokensIn + tokensOut
	if monthlyCap > 0 {
		var used int64
		err := tx.QueryRow(ctx, `
			SELECT tokens_used FROM token_usage
			WHERE provider = $1 AND window_kind = $2 AND window_start = $3
			FOR UPDATE`,
			provider, models.WindowMonth, models.WindowMonth.Truncate(at)).Scan(&used)
		if err != nil && mapPgError(err) != ErrNotFound {
			return mapPgError(err)
		}
		// The rollback discards the dedup row too, so a rejected request
		// records nothing.
		if used+total > monthlyCap {
			return fmt.Errorf("%w: month window for %s would exceed %d tokens", ErrConflict, provider, monthlyCap)
		}
	}

	for _, kind := range models.AllWindowKinds() {
		_, err := tx.Exec(ctx, `
			INSERT INTO token_usage (provider, window_kind, window_start, tokens_used, request_count)
			VALUES ($1, $2, $3, $4, 1)
			ON CONFLICT (provider, window_kind, window_start) DO UPDATE SET
				tokens_used = token_usage.tokens_used + EXCLUDED.tokens_used,
				request_count = token_usage.request_count + 1`,
			provider, kind, kind.Truncate(at), total)
		if err != nil {
			return mapPgError(err)
		}
	}
	return mapPgError(tx.Commit(ctx))
}

// ArchiveAndRollMonth copies every window row started before the current
// month into token_usage_archive, then deletes the originals. Safe to
// re-run: the second pass finds nothing to move. Returns the number of
// rows archived.
func (s *TokenLedgerService) ArchiveAndRollMonth(ctx context.Context, now time.Time) (int64, error) {
	monthStart := models.WindowMonth.Truncate(now)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, mapPgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO token_usage_archive (provider, window_kind, window_start, tokens_used, request_count)
		SELECT provider, window_kind, window_start, tokens_used, request_count
		FROM token_usage
		WHERE window_start < $1`, monthStart)
	if err != nil {
		return 0, mapPgError(err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM token_usage WHERE window_start < $1`, monthStart); err != nil {
		return 0, mapPgError(err)
	}
	// Request dedup rows older than the month boundary no longer guard
	// anything the counters care about.
	if _, err := tx.Exec(ctx,
		`DELETE FROM token_requests WHERE created_at < $1`, monthStart); err != nil {
		return 0, mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, mapPgError(err)
	}
	return tag.RowsAffected(), nil
}

// ResetWindow zeroes one live counter. Admin-only escape hatch.
func (s *TokenLedgerService) ResetWindow(ctx context.Context, provider models.Provider, kind models.WindowKind, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE token_usage SET tokens_used = 0, request_count = 0
		WHERE provider = $1 AND window_kind = $2 AND window_start = $3`,
		provider, kind, kind.Truncate(at))
	return mapPgError(err)
}
