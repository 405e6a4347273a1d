package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/platform/observability"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

type StockService struct {
	db            port.DatabaseRepository
	products      port.ProductInfoLookup
	lookupTimeout time.Duration
	logger        *zap.Logger
	metrics       *observability.Metrics
}

func NewStockService(db port.DatabaseRepository, products port.ProductInfoLookup, lookupTimeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *StockService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockService{
		db:            db,
		products:      products,
		lookupTimeout: lookupTimeout,
		logger:        logger,
		metrics:       metrics,
	}
}

// AddStock adds quantity to the entry, creating it with nothing locked when
// absent. A new entry gets its display name from the product service on a
// best effort basis.
func (s *StockService) AddStock(ctx context.Context, skuID, warehouseID int64, quantity int) error {
	if skuID <= 0 || warehouseID <= 0 || quantity <= 0 {
		return fmt.Errorf("%w: sku %d warehouse %d quantity %d", domain.ErrInvalidLineItems, skuID, warehouseID, quantity)
	}

	created, err := s.db.AddStock(ctx, skuID, warehouseID, quantity)
	if err != nil {
		return err
	}
	if created {
		s.enrich(ctx, skuID, warehouseID)
	}
	return nil
}

func (s *StockService) enrich(ctx context.Context, skuID, warehouseID int64) {
	logger := observability.LoggerFrom(ctx, s.logger).With(zap.Int64("sku_id", skuID))

	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	started := time.Now()
	info, err := s.products.GetProductInfo(lookupCtx, skuID)
	s.metrics.ObserveLookup("product_info", started, err)
	if err != nil {
		logger.Warn("product info unavailable, stock saved without name", zap.Error(err))
		return
	}
	if !info.Found || info.DisplayName == "" {
		return
	}

	if err := s.db.SetSkuName(ctx, skuID, warehouseID, info.DisplayName); err != nil {
		logger.Warn("failed to store sku name", zap.Error(err))
	}
}

func (s *StockService) HasStock(ctx context.Context, skuIDs []int64) ([]domain.SkuHasStock, error) {
	available, err := s.db.AvailableBySku(ctx, skuIDs)
	if err != nil {
		return nil, err
	}

	result := make([]domain.SkuHasStock, 0, len(skuIDs))
	for _, id := range skuIDs {
		result = append(result, domain.SkuHasStock{SkuID: id, HasStock: available[id] > 0})
	}
	return result, nil
}

func (s *StockService) ListStock(ctx context.Context, filter domain.StockFilter) (domain.StockPage, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageLimit
	}
	if filter.Limit > maxPageLimit {
		filter.Limit = maxPageLimit
	}
	return s.db.ListStock(ctx, filter)
}

func (s *StockService) GetStock(ctx context.Context, skuID, warehouseID int64) (*domain.StockEntry, error) {
	return s.db.GetStock(ctx, skuID, warehouseID)
}
