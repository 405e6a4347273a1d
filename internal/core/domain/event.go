package domain

import (
	"encoding/json"
	"fmt"
)

// StockLockedEvent is published for every committed reservation detail. It
// carries the full detail so a consumer can still act when the row is gone.
type StockLockedEvent struct {
	TaskID string        `json:"taskId"`
	Detail StockDetailTo `json:"detail"`
}

type StockDetailTo struct {
	DetailID    string     `json:"detailId"`
	SkuID       int64      `json:"skuId"`
	WarehouseID int64      `json:"warehouseId"`
	Quantity    int        `json:"quantity"`
	LockStatus  LockStatus `json:"lockStatus"`
}

func NewStockLockedEvent(detail ReservationDetail) StockLockedEvent {
	return StockLockedEvent{
		TaskID: detail.TaskID,
		Detail: StockDetailTo{
			DetailID:    detail.DetailID,
			SkuID:       detail.SkuID,
			WarehouseID: detail.WarehouseID,
			Quantity:    detail.Quantity,
			LockStatus:  detail.LockStatus,
		},
	}
}

func DecodeStockLockedEvent(payload []byte) (StockLockedEvent, error) {
	var evt StockLockedEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return evt, fmt.Errorf("decode stock locked event: %w", err)
	}
	if evt.Detail.DetailID == "" {
		return evt, fmt.Errorf("decode stock locked event: missing detail id")
	}
	return evt, nil
}

// OrderReleasedEvent is emitted by the order service once an order is
// finally cancelled or expired.
type OrderReleasedEvent struct {
	OrderSn string `json:"orderSn"`
}

func DecodeOrderReleasedEvent(payload []byte) (OrderReleasedEvent, error) {
	var evt OrderReleasedEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return evt, fmt.Errorf("decode order released event: %w", err)
	}
	if evt.OrderSn == "" {
		return evt, fmt.Errorf("decode order released event: missing order sn")
	}
	return evt, nil
}

// OutboxMessage is a committed event waiting to be handed to the channel.
type OutboxMessage struct {
	ID      int64
	EventID string
	Key     string
	Payload []byte
}
