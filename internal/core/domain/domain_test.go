package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatusResult_Releasable(t *testing.T) {
	tests := []struct {
		result OrderStatusResult
		want   bool
	}{
		{OrderStatusResult{Found: false}, true},
		{OrderStatusResult{Found: true, Status: OrderStatusCancelled}, true},
		{OrderStatusResult{Found: true, Status: OrderStatusCreateNew}, false},
		{OrderStatusResult{Found: true, Status: OrderStatusPayed}, false},
		{OrderStatusResult{Found: true, Status: OrderStatusSended}, false},
		{OrderStatusResult{Found: true, Status: OrderStatusReceived}, false},
		{OrderStatusResult{Found: true, Status: OrderStatusServicing}, false},
		{OrderStatusResult{Found: true, Status: OrderStatusServiced}, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%s", tt.result.Found, tt.result.Status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Releasable())
		})
	}
}

func TestOutOfStockError(t *testing.T) {
	err := fmt.Errorf("lock order: %w", &OutOfStockError{SkuID: 42})

	assert.ErrorIs(t, err, ErrOutOfStock)
	var oos *OutOfStockError
	require.True(t, errors.As(err, &oos))
	assert.EqualValues(t, 42, oos.SkuID)
	assert.EqualError(t, err, "lock order: out of stock: sku 42")
	assert.NotErrorIs(t, err, ErrAlreadyReserved)
}

func TestReleaseOutcome(t *testing.T) {
	assert.True(t, Resolved.Ack())
	assert.True(t, PermanentSkip.Ack())
	assert.False(t, RetryLater.Ack())
	assert.Equal(t, "retry_later", RetryLater.String())
	assert.Equal(t, "unknown", ReleaseOutcome(0).String())
}

func TestStockLockedEvent_Wire(t *testing.T) {
	evt := NewStockLockedEvent(ReservationDetail{
		DetailID: "d-1", TaskID: "t-1", SkuID: 1, WarehouseID: 2, Quantity: 3, LockStatus: LockStatusLocked,
	})

	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.JSONEq(t, `{"taskId":"t-1","detail":{"detailId":"d-1","skuId":1,"warehouseId":2,"quantity":3,"lockStatus":1}}`, string(payload))

	decoded, err := DecodeStockLockedEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, evt, decoded)
}

func TestDecodeStockLockedEvent_Rejects(t *testing.T) {
	_, err := DecodeStockLockedEvent([]byte(`{"taskId":"t-1","detail":{"skuId":1}}`))
	assert.Error(t, err)

	_, err = DecodeStockLockedEvent([]byte(`[`))
	assert.Error(t, err)
}

func TestDecodeOrderReleasedEvent(t *testing.T) {
	evt, err := DecodeOrderReleasedEvent([]byte(`{"orderSn":"ORDER-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", evt.OrderSn)

	_, err = DecodeOrderReleasedEvent([]byte(`{"orderSn":""}`))
	assert.Error(t, err)
}

func TestStockEntry_Available(t *testing.T) {
	assert.Equal(t, 7, StockEntry{TotalQuantity: 10, LockedQuantity: 3}.Available())
}
