package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/platform/observability"
	"github.com/rl1809/stock-reservation/internal/port"
)

type SweeperConfig struct {
	Interval time.Duration
	// MinAge is how old a LOCKED detail must be before the sweeper looks at it.
	MinAge time.Duration
	// MaxAge is the oldest reservation still rechecked. Paid orders keep
	// LOCKED details forever. Zero leaves the window open.
	MaxAge time.Duration
	// ForceReleaseAfter releases orders still awaiting payment once their task
	// is this old. Zero disables forced release.
	ForceReleaseAfter time.Duration
	BatchSize         int
}

type SweepReport struct {
	Scanned  int
	Released int
	Forced   int
	Skipped  int
	Active   int
}

// Sweeper recovers reservations whose compensation messages were lost and
// applies the forced release policy to orders stuck awaiting payment.
type Sweeper struct {
	db      port.DatabaseRepository
	release *ReleaseService
	cfg     SweeperConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewSweeper(db port.DatabaseRepository, release *ReleaseService, cfg SweeperConfig, logger *zap.Logger, metrics *observability.Metrics) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		db:      db,
		release: release,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("min_age", s.cfg.MinAge),
		zap.Duration("max_age", s.cfg.MaxAge),
		zap.Duration("force_release_after", s.cfg.ForceReleaseAfter),
	)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if report.Scanned > 0 {
				s.logger.Info("sweep finished",
					zap.Int("scanned", report.Scanned),
					zap.Int("released", report.Released),
					zap.Int("forced", report.Forced),
					zap.Int("skipped", report.Skipped),
					zap.Int("active", report.Active),
				)
			}
		}
	}
}

// Sweep runs one pass over every task holding LOCKED details aged between
// MinAge and MaxAge.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()
	cutoff := now.Add(-s.cfg.MinAge)
	var since time.Time
	if s.cfg.MaxAge > 0 {
		since = now.Add(-s.cfg.MaxAge)
	}

	var cursor domain.TaskCursor
	for {
		tasks, err := s.db.ListStaleTasks(ctx, since, cutoff, cursor, s.cfg.BatchSize)
		if err != nil {
			return report, err
		}

		for _, task := range tasks {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++
			s.sweepTask(ctx, now, task, &report)
		}

		if len(tasks) < s.cfg.BatchSize {
			return report, nil
		}
		cursor = tasks[len(tasks)-1].Cursor()
	}
}

func (s *Sweeper) sweepTask(ctx context.Context, now time.Time, task domain.ReservationTask, report *SweepReport) {
	logger := s.logger.With(zap.String("order_sn", task.OrderSn), zap.String("task_id", task.TaskID))

	status, err := s.release.lookupStatus(ctx, task.OrderSn)
	if err != nil {
		report.Skipped++
		logger.Warn("order status unavailable, retrying next sweep", zap.Error(err))
		return
	}

	reason := ""
	switch {
	case status.Releasable():
		reason = "cancelled"
	case status.Status == domain.OrderStatusCreateNew &&
		s.cfg.ForceReleaseAfter > 0 &&
		now.Sub(task.CreatedAt) >= s.cfg.ForceReleaseAfter:
		reason = "forced"
		logger.Warn("force releasing stock held by unpaid order", zap.Duration("age", now.Sub(task.CreatedAt)))
	default:
		report.Active++
		return
	}

	n, err := s.release.ReleaseAllForOrder(ctx, task.OrderSn)
	if err != nil {
		report.Skipped++
		logger.Error("sweeper release failed", zap.Error(err))
		return
	}
	if reason == "forced" {
		report.Forced++
	} else {
		report.Released++
	}
	if n > 0 {
		s.metrics.SweeperReleased(reason)
	}
}
