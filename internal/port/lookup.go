package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type OrderStatusLookup interface {
	// GetOrderStatus returns domain.ErrLookupUnavailable on transport failure or timeout
	GetOrderStatus(ctx context.Context, orderSn string) (domain.OrderStatusResult, error)
}

type ProductInfoLookup interface {
	GetProductInfo(ctx context.Context, skuID int64) (domain.ProductInfo, error)
}
