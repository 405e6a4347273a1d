package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type releaseFixture struct {
	store   *memStore
	orders  *mockOrderLookup
	lock    *ReservationService
	release *ReleaseService
}

func newReleaseFixture(t *testing.T) *releaseFixture {
	t.Helper()
	store := newMemStore()
	orders := &mockOrderLookup{}
	return &releaseFixture{
		store:   store,
		orders:  orders,
		lock:    NewReservationService(store, zap.NewNop(), nil),
		release: NewReleaseService(store, orders, 50*time.Millisecond, zap.NewNop(), nil),
	}
}

// lockOne seeds SKU 1 in warehouse 1 with 10 units and locks qty for orderSn.
func (f *releaseFixture) lockOne(t *testing.T, orderSn string, qty int) domain.StockLockedEvent {
	t.Helper()
	f.store.seed(1, 1, 10, 0)
	details, err := f.lock.LockStock(context.Background(), orderSn, []domain.LineItem{{SkuID: 1, Quantity: qty}})
	require.NoError(t, err)
	return domain.NewStockLockedEvent(details[0])
}

func TestHandleCompensationEvent_DetailAbsent(t *testing.T) {
	f := newReleaseFixture(t)
	evt := domain.StockLockedEvent{
		TaskID: "gone",
		Detail: domain.StockDetailTo{DetailID: "never-committed", SkuID: 1, WarehouseID: 1, Quantity: 3},
	}

	outcome := f.release.HandleCompensationEvent(context.Background(), evt)

	assert.Equal(t, domain.PermanentSkip, outcome)
	assert.True(t, outcome.Ack())
	f.orders.AssertNotCalled(t, "GetOrderStatus", mock.Anything, mock.Anything)
}

func TestHandleCompensationEvent_CancelledOrderReleases(t *testing.T) {
	f := newReleaseFixture(t)
	evt := f.lockOne(t, "ORDER-1", 3)
	f.orders.On("GetOrderStatus", mock.Anything, "ORDER-1").
		Return(domain.OrderStatusResult{Found: true, Status: domain.OrderStatusCancelled}, nil)

	outcome := f.release.HandleCompensationEvent(context.Background(), evt)

	assert.Equal(t, domain.Resolved, outcome)
	assert.Zero(t, f.store.entry(1, 1).LockedQuantity)
	assert.Equal(t, domain.LockStatusReleased, f.store.detail(evt.Detail.DetailID).LockStatus)
}

func TestHandleCompensationEvent_MissingOrderReleases(t *testing.T) {
	f := newReleaseFixture(t)
	evt := f.lockOne(t, "ORDER-9", 4)
	f.orders.On("GetOrderStatus", mock.Anything, "ORDER-9").
		Return(domain.OrderStatusResult{Found: false}, nil)

	outcome := f.release.HandleCompensationEvent(context.Background(), evt)

	assert.Equal(t, domain.Resolved, outcome)
	assert.Zero(t, f.store.entry(1, 1).LockedQuantity)
}

func TestHandleCompensationEvent_ActiveOrderKeepsStock(t *testing.T) {
	for _, status := range []domain.OrderStatus{
		domain.OrderStatusCreateNew,
		domain.OrderStatusPayed,
		domain.OrderStatusSended,
		domain.OrderStatusReceived,
	} {
		t.Run(status.String(), func(t *testing.T) {
			f := newReleaseFixture(t)
			evt := f.lockOne(t, "ORDER-P", 3)
			f.orders.On("GetOrderStatus", mock.Anything, "ORDER-P").
				Return(domain.OrderStatusResult{Found: true, Status: status}, nil)

			outcome := f.release.HandleCompensationEvent(context.Background(), evt)

			assert.Equal(t, domain.PermanentSkip, outcome)
			assert.True(t, outcome.Ack())
			assert.Equal(t, 3, f.store.entry(1, 1).LockedQuantity)
			assert.Equal(t, domain.LockStatusLocked, f.store.detail(evt.Detail.DetailID).LockStatus)
		})
	}
}

func TestHandleCompensationEvent_LookupFailureRequeues(t *testing.T) {
	f := newReleaseFixture(t)
	evt := f.lockOne(t, "ORDER-L", 3)
	f.orders.On("GetOrderStatus", mock.Anything, "ORDER-L").
		Return(domain.OrderStatusResult{}, errors.New("connection refused"))

	outcome := f.release.HandleCompensationEvent(context.Background(), evt)

	assert.Equal(t, domain.RetryLater, outcome)
	assert.False(t, outcome.Ack())
	assert.Equal(t, 3, f.store.entry(1, 1).LockedQuantity)
	assert.Equal(t, domain.LockStatusLocked, f.store.detail(evt.Detail.DetailID).LockStatus)
}

func TestHandleCompensationEvent_LookupTimeoutRequeues(t *testing.T) {
	f := newReleaseFixture(t)
	evt := f.lockOne(t, "ORDER-T", 3)
	f.orders.On("GetOrderStatus", mock.Anything, "ORDER-T").
		Return(domain.OrderStatusResult{}, context.DeadlineExceeded).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		})

	started := time.Now()
	outcome := f.release.HandleCompensationEvent(context.Background(), evt)

	assert.Equal(t, domain.RetryLater, outcome)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, 3, f.store.entry(1, 1).LockedQuantity)
}

func TestHandleCompensationEvent_StorageFailureRequeues(t *testing.T) {
	f := newReleaseFixture(t)
	evt := f.lockOne(t, "ORDER-S", 3)
	f.store.getDetailErr = errors.New("db down")

	outcome := f.release.HandleCompensationEvent(context.Background(), evt)

	assert.Equal(t, domain.RetryLater, outcome)
}

func TestHandleCompensationEvent_MissingTaskSkips(t *testing.T) {
	f := newReleaseFixture(t)
	f.store.seed(1, 1, 10, 3)
	f.store.putDetail(domain.ReservationDetail{
		DetailID:    "orphan",
		TaskID:      "no-such-task",
		SkuID:       1,
		WarehouseID: 1,
		Quantity:    3,
		LockStatus:  domain.LockStatusLocked,
	})

	outcome := f.release.HandleCompensationEvent(context.Background(), domain.StockLockedEvent{
		TaskID: "no-such-task",
		Detail: domain.StockDetailTo{DetailID: "orphan"},
	})

	assert.Equal(t, domain.PermanentSkip, outcome)
	assert.Equal(t, 3, f.store.entry(1, 1).LockedQuantity)
}

func TestHandleCompensationEvent_Idempotent(t *testing.T) {
	f := newReleaseFixture(t)
	evt := f.lockOne(t, "ORDER-I", 3)
	f.orders.On("GetOrderStatus", mock.Anything, "ORDER-I").
		Return(domain.OrderStatusResult{Found: true, Status: domain.OrderStatusCancelled}, nil)

	first := f.release.HandleCompensationEvent(context.Background(), evt)
	second := f.release.HandleCompensationEvent(context.Background(), evt)

	assert.Equal(t, domain.Resolved, first)
	assert.Equal(t, domain.Resolved, second)
	assert.Zero(t, f.store.entry(1, 1).LockedQuantity)
}

func TestHandleCompensationEvent_ConcurrentDuplicates(t *testing.T) {
	f := newReleaseFixture(t)
	f.store.seed(1, 1, 10, 0)
	// another order's lock must survive the duplicate releases
	_, err := f.lock.LockStock(context.Background(), "ORDER-OTHER", []domain.LineItem{{SkuID: 1, Quantity: 2}})
	require.NoError(t, err)
	details, err := f.lock.LockStock(context.Background(), "ORDER-D", []domain.LineItem{{SkuID: 1, Quantity: 3}})
	require.NoError(t, err)
	evt := domain.NewStockLockedEvent(details[0])

	f.orders.On("GetOrderStatus", mock.Anything, "ORDER-D").
		Return(domain.OrderStatusResult{Found: true, Status: domain.OrderStatusCancelled}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, domain.Resolved, f.release.HandleCompensationEvent(context.Background(), evt))
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, f.store.entry(1, 1).LockedQuantity)
}

func TestReleaseForEvent_ReturnsLookupError(t *testing.T) {
	f := newReleaseFixture(t)
	evt := f.lockOne(t, "ORDER-R", 3)
	f.orders.On("GetOrderStatus", mock.Anything, "ORDER-R").
		Return(domain.OrderStatusResult{}, errors.New("503"))

	outcome, err := f.release.ReleaseForEvent(context.Background(), evt)

	assert.Equal(t, domain.RetryLater, outcome)
	assert.ErrorIs(t, err, domain.ErrLookupUnavailable)
}

func TestReleaseForEvent_RoundTrip(t *testing.T) {
	f := newReleaseFixture(t)
	f.store.seed(1, 1, 10, 0)
	before := f.store.entry(1, 1).Available()

	details, err := f.lock.LockStock(context.Background(), "ORDER-RT", []domain.LineItem{{SkuID: 1, Quantity: 6}})
	require.NoError(t, err)
	assert.Equal(t, before-6, f.store.entry(1, 1).Available())

	f.orders.On("GetOrderStatus", mock.Anything, "ORDER-RT").
		Return(domain.OrderStatusResult{Found: true, Status: domain.OrderStatusCancelled}, nil)
	outcome, err := f.release.ReleaseForEvent(context.Background(), domain.NewStockLockedEvent(details[0]))

	require.NoError(t, err)
	assert.Equal(t, domain.Resolved, outcome)
	assert.Equal(t, before, f.store.entry(1, 1).Available())
}

func TestReleaseAllForOrder_Scenario(t *testing.T) {
	f := newReleaseFixture(t)
	evt := f.lockOne(t, "ORDER-1", 3)

	entry := f.store.entry(1, 1)
	assert.Equal(t, 10, entry.TotalQuantity)
	assert.Equal(t, 3, entry.LockedQuantity)

	n, err := f.release.ReleaseAllForOrder(context.Background(), "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Zero(t, f.store.entry(1, 1).LockedQuantity)
	assert.Equal(t, domain.LockStatusReleased, f.store.detail(evt.Detail.DetailID).LockStatus)
	f.orders.AssertNotCalled(t, "GetOrderStatus", mock.Anything, mock.Anything)

	n, err = f.release.ReleaseAllForOrder(context.Background(), "ORDER-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.store.entry(1, 1).LockedQuantity)
}

func TestReleaseAllForOrder_UnknownOrder(t *testing.T) {
	f := newReleaseFixture(t)

	n, err := f.release.ReleaseAllForOrder(context.Background(), "NOPE")

	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReleaseAllForOrder_AfterChannelRelease(t *testing.T) {
	f := newReleaseFixture(t)
	f.store.seed(1, 1, 10, 0)
	f.store.seed(2, 1, 10, 0)
	details, err := f.lock.LockStock(context.Background(), "ORDER-M", []domain.LineItem{
		{SkuID: 1, Quantity: 1},
		{SkuID: 2, Quantity: 2},
	})
	require.NoError(t, err)

	f.orders.On("GetOrderStatus", mock.Anything, "ORDER-M").
		Return(domain.OrderStatusResult{Found: true, Status: domain.OrderStatusCancelled}, nil)
	require.Equal(t, domain.Resolved, f.release.HandleCompensationEvent(context.Background(), domain.NewStockLockedEvent(details[0])))

	n, err := f.release.ReleaseAllForOrder(context.Background(), "ORDER-M")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.store.entry(1, 1).LockedQuantity)
	assert.Zero(t, f.store.entry(2, 1).LockedQuantity)
}

func TestReleaseForEvent_LedgerInconsistentKeepsDetailLocked(t *testing.T) {
	f := newReleaseFixture(t)
	evt := f.lockOne(t, "ORDER-L", 3)
	f.store.seed(1, 1, 10, 0) // ledger lost the locked quantity
	f.orders.On("GetOrderStatus", mock.Anything, "ORDER-L").
		Return(domain.OrderStatusResult{Found: true, Status: domain.OrderStatusCancelled}, nil)

	outcome, err := f.release.ReleaseForEvent(context.Background(), evt)

	assert.Equal(t, domain.RetryLater, outcome)
	assert.ErrorIs(t, err, domain.ErrLedgerInconsistent)
	assert.Equal(t, domain.LockStatusLocked, f.store.detail(evt.Detail.DetailID).LockStatus)

	_, err = f.release.ReleaseAllForOrder(context.Background(), "ORDER-L")
	assert.ErrorIs(t, err, domain.ErrLedgerInconsistent)
}
