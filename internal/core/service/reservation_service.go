package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/platform/observability"
	"github.com/rl1809/stock-reservation/internal/port"
)

const tracerName = "github.com/rl1809/stock-reservation/internal/core/service"

// ReservationService locks stock for orders. All ledger decrements, detail
// rows and outbox events of one LockStock call commit or roll back together.
type ReservationService struct {
	db      port.DatabaseRepository
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func NewReservationService(db port.DatabaseRepository, logger *zap.Logger, metrics *observability.Metrics) *ReservationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationService{
		db:      db,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
}

func (s *ReservationService) LockStock(ctx context.Context, orderSn string, items []domain.LineItem) ([]domain.ReservationDetail, error) {
	ctx, span := s.tracer.Start(ctx, "ReservationService.LockStock",
		trace.WithAttributes(attribute.String("order.sn", orderSn), attribute.Int("order.items", len(items))))
	defer span.End()

	logger := observability.LoggerFrom(ctx, s.logger).With(zap.String("order_sn", orderSn))

	if err := validateLineItems(orderSn, items); err != nil {
		s.metrics.LockAttempt("invalid")
		return nil, err
	}

	// ledger rows are always taken in sku order so two orders naming the
	// same SKUs in different orders cannot deadlock
	ordered := slices.Clone(items)
	slices.SortStableFunc(ordered, func(a, b domain.LineItem) int { return cmp.Compare(a.SkuID, b.SkuID) })

	// The task is committed on its own so the attempt is recorded even when
	// the lock transaction below rolls back.
	task, err := s.db.CreateTask(ctx, orderSn)
	if err != nil {
		s.metrics.LockAttempt("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "create task")
		return nil, fmt.Errorf("create task: %w", err)
	}
	span.SetAttributes(attribute.String("task.id", task.TaskID))

	var locked []domain.ReservationDetail
	err = s.db.InTx(ctx, func(tx port.LedgerTx) error {
		locked = locked[:0]

		if err := tx.LockTask(ctx, task.TaskID); err != nil {
			return err
		}
		held, err := tx.CountDetails(ctx, task.TaskID, domain.LockStatusLocked)
		if err != nil {
			return err
		}
		if held > 0 {
			return domain.ErrAlreadyReserved
		}

		for _, item := range ordered {
			detail, err := s.lockItem(ctx, tx, task, item)
			if err != nil {
				return err
			}
			locked = append(locked, detail)
		}
		return nil
	})
	if err != nil {
		var oos *domain.OutOfStockError
		switch {
		case errors.As(err, &oos):
			s.metrics.LockAttempt("out_of_stock")
			logger.Info("stock lock rejected", zap.Int64("sku_id", oos.SkuID))
		case errors.Is(err, domain.ErrAlreadyReserved):
			s.metrics.LockAttempt("already_reserved")
			logger.Info("order already holds locked stock", zap.String("task_id", task.TaskID))
		default:
			s.metrics.LockAttempt("error")
			logger.Error("stock lock failed", zap.Error(err))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock stock")
		return nil, err
	}

	s.metrics.LockAttempt("locked")
	logger.Info("stock locked", zap.String("task_id", task.TaskID), zap.Int("details", len(locked)))
	return locked, nil
}

// lockItem tries the SKU's warehouses in id order and stops at the first
// conditional decrement that affects a row.
func (s *ReservationService) lockItem(ctx context.Context, tx port.LedgerTx, task *domain.ReservationTask, item domain.LineItem) (domain.ReservationDetail, error) {
	warehouses, err := tx.WarehousesWithStock(ctx, item.SkuID)
	if err != nil {
		return domain.ReservationDetail{}, err
	}
	if len(warehouses) == 0 {
		return domain.ReservationDetail{}, &domain.OutOfStockError{SkuID: item.SkuID}
	}

	for _, warehouseID := range warehouses {
		affected, err := tx.TryLock(ctx, item.SkuID, warehouseID, item.Quantity)
		if err != nil {
			return domain.ReservationDetail{}, err
		}
		if affected != 1 {
			continue
		}

		now := s.now().UTC()
		detail := domain.ReservationDetail{
			DetailID:    uuid.NewString(),
			TaskID:      task.TaskID,
			SkuID:       item.SkuID,
			WarehouseID: warehouseID,
			Quantity:    item.Quantity,
			LockStatus:  domain.LockStatusLocked,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertDetail(ctx, detail); err != nil {
			return domain.ReservationDetail{}, err
		}
		if err := tx.EnqueueEvent(ctx, task.OrderSn, domain.NewStockLockedEvent(detail)); err != nil {
			return domain.ReservationDetail{}, err
		}
		return detail, nil
	}

	return domain.ReservationDetail{}, &domain.OutOfStockError{SkuID: item.SkuID}
}

// GetTask returns the order's task with every detail, or nil when the order
// never attempted a lock.
func (s *ReservationService) GetTask(ctx context.Context, orderSn string) (*domain.TaskWithDetails, error) {
	task, err := s.db.GetTaskByOrderSn(ctx, orderSn)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	details, err := s.db.ListDetails(ctx, task.TaskID, 0)
	if err != nil {
		return nil, err
	}
	return &domain.TaskWithDetails{Task: *task, Details: details}, nil
}

func validateLineItems(orderSn string, items []domain.LineItem) error {
	if orderSn == "" {
		return fmt.Errorf("%w: empty order sn", domain.ErrInvalidLineItems)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: no line items", domain.ErrInvalidLineItems)
	}
	for _, item := range items {
		if item.SkuID <= 0 || item.Quantity <= 0 {
			return fmt.Errorf("%w: sku %d quantity %d", domain.ErrInvalidLineItems, item.SkuID, item.Quantity)
		}
	}
	return nil
}
