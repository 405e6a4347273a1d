package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type mockLocker struct{ mock.Mock }

func (m *mockLocker) LockStock(ctx context.Context, orderSn string, items []domain.LineItem) ([]domain.ReservationDetail, error) {
	args := m.Called(ctx, orderSn, items)
	details, _ := args.Get(0).([]domain.ReservationDetail)
	return details, args.Error(1)
}

func (m *mockLocker) GetTask(ctx context.Context, orderSn string) (*domain.TaskWithDetails, error) {
	args := m.Called(ctx, orderSn)
	task, _ := args.Get(0).(*domain.TaskWithDetails)
	return task, args.Error(1)
}

type mockReleaser struct{ mock.Mock }

func (m *mockReleaser) ReleaseForEvent(ctx context.Context, evt domain.StockLockedEvent) (domain.ReleaseOutcome, error) {
	args := m.Called(ctx, evt)
	return args.Get(0).(domain.ReleaseOutcome), args.Error(1)
}

func (m *mockReleaser) ReleaseAllForOrder(ctx context.Context, orderSn string) (int, error) {
	args := m.Called(ctx, orderSn)
	return args.Int(0), args.Error(1)
}

func (m *mockReleaser) HandleCompensationEvent(ctx context.Context, evt domain.StockLockedEvent) domain.ReleaseOutcome {
	args := m.Called(ctx, evt)
	return args.Get(0).(domain.ReleaseOutcome)
}

type mockKeeper struct{ mock.Mock }

func (m *mockKeeper) AddStock(ctx context.Context, skuID, warehouseID int64, quantity int) error {
	return m.Called(ctx, skuID, warehouseID, quantity).Error(0)
}

func (m *mockKeeper) HasStock(ctx context.Context, skuIDs []int64) ([]domain.SkuHasStock, error) {
	args := m.Called(ctx, skuIDs)
	result, _ := args.Get(0).([]domain.SkuHasStock)
	return result, args.Error(1)
}

func (m *mockKeeper) ListStock(ctx context.Context, filter domain.StockFilter) (domain.StockPage, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).(domain.StockPage), args.Error(1)
}
