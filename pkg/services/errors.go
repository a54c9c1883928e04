// Package services implements the durable state layer: agent metrics,
// custody test history, and the token usage ledger. It is the single
// writer of all persistent state; every other component works with
// point-in-time snapshots it returns.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrInvariantViolation is returned when a write would break a data
	// invariant. Fatal to the caller's operation; never retried.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrConflict is returned on a lost optimistic update. Retriable by
	// re-reading, but an external side effect must not be repeated.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrStoreUnavailable is returned on transient store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// mapPgError classifies a pgx error into the service error taxonomy.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case pgErr.Code[:2] == "23":
			return fmt.Errorf("%w: %s", ErrInvariantViolation, pgErr.Message)
		case pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57":
			return fmt.Errorf("%w: %s", ErrStoreUnavailable, pgErr.Message)
		}
		return err
	}
	// Connection-level failures surface as plain errors from pgx.
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// retrySchedule is the fixed backoff for transient store failures.
var retrySchedule = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}

// WithRetry runs fn, retrying on ErrStoreUnavailable with the fixed
// backoff schedule. Any other error surfaces immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	err := fn()
	for _, wait := range retrySchedule {
		if err == nil || !errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		err = fn()
	}
	return err
}
