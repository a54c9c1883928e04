// Package archive rolls the token ledger at month boundaries: expired
// window counters are copied to the archive table and removed from the
// live set. The roll is idempotent, so running it again (or catching up
// after downtime) is safe.
package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/CTG813819/lvl-up-sub003/pkg/services"
)

// monthlyRollSpec fires shortly after each month boundary, UTC.
const monthlyRollSpec = "5 0 1 * *"

// Ledger is the slice of the token service the archiver drives.
type Ledger interface {
	ArchiveAndRollMonth(ctx context.Context, now time.Time) (int64, error)
}

// Service runs the scheduled monthly roll.
type Service struct {
	ledger Ledger
	cron   *cron.Cron
	logger *slog.Logger
}

// NewService creates a stopped archive service.
func NewService(ledger Ledger, logger *slog.Logger) *Service {
	return &Service{
		ledger: ledger,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger.With("component", "archive"),
	}
}

// Start performs one catch-up roll for any windows left over from before
// the current month, then schedules the monthly job.
func (s *Service) Start(ctx context.Context) error {
	s.runOnce(ctx)
	_, err := s.cron.AddFunc(monthlyRollSpec, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.runOnce(runCtx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("archive service started", "schedule", monthlyRollSpec)
	return nil
}

// Stop halts the cron and waits for a running job to finish.
func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("archive service stopped")
}

func (s *Service) runOnce(ctx context.Context) {
	var archived int64
	err := services.WithRetry(ctx, func() error {
		var rerr error
		archived, rerr = s.ledger.ArchiveAndRollMonth(ctx, time.Now())
		return rerr
	})
	if err != nil {
		s.logger.Error("monthly ledger roll failed", "error", err)
		return
	}
	if archived > 0 {
		s.logger.Info("monthly ledger roll completed", "rows_archived", archived)
	}
}
