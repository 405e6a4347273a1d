package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/platform/observability"
	"github.com/rl1809/stock-reservation/internal/port"
)

// OutboxRelay moves committed stock locked events from the outbox table to
// the compensation channel. Delivery is at least once.
type OutboxRelay struct {
	db        port.DatabaseRepository
	publisher port.Publisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

func NewOutboxRelay(db port.DatabaseRepository, publisher port.Publisher, interval time.Duration, batchSize int, logger *zap.Logger, metrics *observability.Metrics) *OutboxRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		db:        db,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
	}
}

func (r *OutboxRelay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("outbox relay failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce drains the outbox batch by batch and returns how many events
// were published. It stops at the first publish failure.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRelay.RelayOnce")
	defer span.End()

	total := 0
	for {
		n, err := r.db.PublishPending(ctx, r.batchSize, func(msg domain.OutboxMessage) error {
			return r.publisher.Publish(ctx, msg.Key, msg.Payload)
		})
		total += n
		r.metrics.OutboxPublished(n)
		if err != nil {
			span.RecordError(err)
			return total, err
		}
		if n < r.batchSize {
			span.SetAttributes(attribute.Int("outbox.published", total))
			return total, nil
		}
	}
}
