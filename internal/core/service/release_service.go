package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/platform/observability"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	sourceChannel = "channel"
	sourceDirect  = "direct"
	sourceBulk    = "bulk"
)

// ReleaseService decides whether locked stock may go back to the ledger.
// The stored detail row, not the event body, is authoritative.
type ReleaseService struct {
	db            port.DatabaseRepository
	orders        port.OrderStatusLookup
	lookupTimeout time.Duration
	logger        *zap.Logger
	metrics       *observability.Metrics
	tracer        trace.Tracer
}

func NewReleaseService(db port.DatabaseRepository, orders port.OrderStatusLookup, lookupTimeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *ReleaseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReleaseService{
		db:            db,
		orders:        orders,
		lookupTimeout: lookupTimeout,
		logger:        logger,
		metrics:       metrics,
		tracer:        otel.Tracer(tracerName),
	}
}

// HandleCompensationEvent is the channel entry point. It never fails; errors
// become RetryLater so the delivery is requeued.
func (s *ReleaseService) HandleCompensationEvent(ctx context.Context, evt domain.StockLockedEvent) domain.ReleaseOutcome {
	outcome, err := s.decide(ctx, sourceChannel, evt)
	if err != nil {
		observability.LoggerFrom(ctx, s.logger).Warn("compensation event requeued",
			zap.String("task_id", evt.TaskID),
			zap.String("detail_id", evt.Detail.DetailID),
			zap.Error(err),
		)
	}
	return outcome
}

// ReleaseForEvent applies the same rule synchronously. The error is non-nil
// only together with RetryLater.
func (s *ReleaseService) ReleaseForEvent(ctx context.Context, evt domain.StockLockedEvent) (domain.ReleaseOutcome, error) {
	return s.decide(ctx, sourceDirect, evt)
}

// ReleaseAllForOrder releases every LOCKED detail of the order's task. The
// caller asserts the order is finally cancelled or expired, so the order
// service is not consulted. A missing task releases nothing.
func (s *ReleaseService) ReleaseAllForOrder(ctx context.Context, orderSn string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "ReleaseService.ReleaseAllForOrder",
		trace.WithAttributes(attribute.String("order.sn", orderSn)))
	defer span.End()

	logger := observability.LoggerFrom(ctx, s.logger).With(zap.String("order_sn", orderSn))

	task, err := s.db.GetTaskByOrderSn(ctx, orderSn)
	if err != nil {
		s.metrics.ReleaseDecision(sourceBulk, domain.RetryLater.String())
		return 0, fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		logger.Info("no reservation task for order", zap.Error(domain.ErrStaleOrMissingTask))
		s.metrics.ReleaseDecision(sourceBulk, domain.PermanentSkip.String())
		return 0, nil
	}

	details, err := s.db.ListDetails(ctx, task.TaskID, domain.LockStatusLocked)
	if err != nil {
		s.metrics.ReleaseDecision(sourceBulk, domain.RetryLater.String())
		return 0, fmt.Errorf("list locked details: %w", err)
	}

	released := 0
	for _, d := range details {
		ok, err := s.db.ReleaseDetail(ctx, d.DetailID)
		if err != nil {
			s.metrics.ReleaseDecision(sourceBulk, domain.RetryLater.String())
			if errors.Is(err, domain.ErrLedgerInconsistent) {
				logger.Error("ledger holds less locked stock than the detail", zap.String("detail_id", d.DetailID))
			}
			return released, fmt.Errorf("release detail %s: %w", d.DetailID, err)
		}
		if ok {
			released++
			s.metrics.Released(d.Quantity)
		}
	}

	s.metrics.ReleaseDecision(sourceBulk, domain.Resolved.String())
	logger.Info("order reservations released", zap.String("task_id", task.TaskID), zap.Int("released", released))
	return released, nil
}

func (s *ReleaseService) decide(ctx context.Context, source string, evt domain.StockLockedEvent) (domain.ReleaseOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "ReleaseService.decide",
		trace.WithAttributes(
			attribute.String("release.source", source),
			attribute.String("detail.id", evt.Detail.DetailID),
		))
	defer span.End()

	outcome, reason, err := s.evaluate(ctx, evt.Detail.DetailID)
	span.SetAttributes(attribute.String("release.outcome", outcome.String()), attribute.String("release.reason", reason))
	if err != nil {
		span.RecordError(err)
	}
	s.metrics.ReleaseDecision(source, outcome.String())

	logger := observability.LoggerFrom(ctx, s.logger)
	if errors.Is(err, domain.ErrLedgerInconsistent) {
		logger.Error("ledger holds less locked stock than the detail, leaving it locked",
			zap.String("detail_id", evt.Detail.DetailID),
			zap.Int64("sku_id", evt.Detail.SkuID),
			zap.Int64("warehouse_id", evt.Detail.WarehouseID),
			zap.Int("quantity", evt.Detail.Quantity),
		)
	}
	logger.Debug("release decision",
		zap.String("source", source),
		zap.String("detail_id", evt.Detail.DetailID),
		zap.Stringer("outcome", outcome),
		zap.String("reason", reason),
	)
	return outcome, err
}

func (s *ReleaseService) evaluate(ctx context.Context, detailID string) (domain.ReleaseOutcome, string, error) {
	detail, err := s.db.GetDetail(ctx, detailID)
	if err != nil {
		return domain.RetryLater, "detail lookup failed", fmt.Errorf("get detail: %w", err)
	}
	if detail == nil {
		// the lock transaction never committed
		return domain.PermanentSkip, "detail absent", nil
	}
	if detail.LockStatus == domain.LockStatusReleased {
		return domain.Resolved, "already released", nil
	}

	task, err := s.db.GetTask(ctx, detail.TaskID)
	if err != nil {
		return domain.RetryLater, "task lookup failed", fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return domain.PermanentSkip, domain.ErrStaleOrMissingTask.Error(), nil
	}

	status, err := s.lookupStatus(ctx, task.OrderSn)
	if err != nil {
		return domain.RetryLater, "order status unavailable", err
	}
	if !status.Releasable() {
		return domain.PermanentSkip, "order active: " + status.Status.String(), nil
	}

	released, err := s.db.ReleaseDetail(ctx, detail.DetailID)
	if errors.Is(err, domain.ErrLedgerInconsistent) {
		return domain.RetryLater, "ledger inconsistent", fmt.Errorf("release detail: %w", err)
	}
	if err != nil {
		return domain.RetryLater, "release failed", fmt.Errorf("release detail: %w", err)
	}
	if !released {
		return domain.Resolved, "already released", nil
	}

	s.metrics.Released(detail.Quantity)
	return domain.Resolved, "released", nil
}

// lookupStatus bounds the order service call by the lookup timeout. Any
// failure, including the deadline, is reported as ErrLookupUnavailable.
func (s *ReleaseService) lookupStatus(ctx context.Context, orderSn string) (domain.OrderStatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "OrderStatusLookup.GetOrderStatus",
		trace.WithAttributes(attribute.String("order.sn", orderSn)))
	defer span.End()

	started := time.Now()
	status, err := s.orders.GetOrderStatus(ctx, orderSn)
	s.metrics.ObserveLookup("order_status", started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		if errors.Is(err, domain.ErrLookupUnavailable) {
			return status, err
		}
		return status, fmt.Errorf("%w: %v", domain.ErrLookupUnavailable, err)
	}
	return status, nil
}
