package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/platform/observability"
	"github.com/rl1809/stock-reservation/internal/port"
)

type CompensationHandler interface {
	HandleCompensationEvent(ctx context.Context, evt domain.StockLockedEvent) domain.ReleaseOutcome
}

type OrderReleaser interface {
	ReleaseAllForOrder(ctx context.Context, orderSn string) (int, error)
}

// EventHandler turns channel deliveries into release calls.
type EventHandler struct {
	compensation CompensationHandler
	orders       OrderReleaser
	logger       *zap.Logger
}

func NewEventHandler(compensation CompensationHandler, orders OrderReleaser, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{compensation: compensation, orders: orders, logger: logger}
}

func (h *EventHandler) messageLogger(msg port.Message) *zap.Logger {
	return h.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("key", msg.Key),
		zap.Int("attempt", msg.Attempt),
	)
}

// StockLocked handles the delayed stock-locked event. Undecodable payloads
// can never succeed and are skipped.
func (h *EventHandler) StockLocked(ctx context.Context, msg port.Message) domain.ReleaseOutcome {
	logger := h.messageLogger(msg)

	evt, err := domain.DecodeStockLockedEvent(msg.Payload)
	if err != nil {
		logger.Warn("skipping malformed stock locked event", zap.Error(err))
		return domain.PermanentSkip
	}

	ctx = observability.WithLogger(ctx, logger)
	return h.compensation.HandleCompensationEvent(ctx, evt)
}

func (h *EventHandler) OrderReleased(ctx context.Context, msg port.Message) domain.ReleaseOutcome {
	logger := h.messageLogger(msg)

	evt, err := domain.DecodeOrderReleasedEvent(msg.Payload)
	if err != nil {
		logger.Warn("skipping malformed order released event", zap.Error(err))
		return domain.PermanentSkip
	}

	logger = logger.With(zap.String("order_sn", evt.OrderSn))
	released, err := h.orders.ReleaseAllForOrder(observability.WithLogger(ctx, logger), evt.OrderSn)
	if err != nil {
		logger.Warn("order release failed, will retry", zap.Error(err))
		return domain.RetryLater
	}
	if released > 0 {
		logger.Info("order released", zap.Int("details", released))
	}
	return domain.Resolved
}
