package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type DatabaseRepository interface {
	// InTx runs fn inside one database transaction. It commits when fn returns
	// nil and rolls back otherwise. fn may run again after a deadlock
	// rollback, so it must not carry state between runs.
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// CreateTask inserts a task for orderSn, or returns the existing one
	CreateTask(ctx context.Context, orderSn string) (*domain.ReservationTask, error)

	// GetTask returns nil, nil when the task does not exist
	GetTask(ctx context.Context, taskID string) (*domain.ReservationTask, error)

	// GetTaskByOrderSn returns nil, nil when no task exists for the order
	GetTaskByOrderSn(ctx context.Context, orderSn string) (*domain.ReservationTask, error)

	// GetDetail returns nil, nil when the detail row does not exist
	GetDetail(ctx context.Context, detailID string) (*domain.ReservationDetail, error)

	// ListDetails returns the task's details, all of them when status is zero
	ListDetails(ctx context.Context, taskID string, status domain.LockStatus) ([]domain.ReservationDetail, error)

	// ReleaseDetail flips a LOCKED detail to RELEASED and returns its quantity
	// to the ledger in one transaction. It reports false if the detail was
	// already released.
	ReleaseDetail(ctx context.Context, detailID string) (bool, error)

	// ListStaleTasks pages through tasks owning LOCKED details created in
	// [since, cutoff), ordered by creation time and starting after the cursor.
	// A zero since leaves the window open at the old end.
	ListStaleTasks(ctx context.Context, since, cutoff time.Time, after domain.TaskCursor, limit int) ([]domain.ReservationTask, error)

	// AddStock upserts the ledger entry and reports whether it was created
	AddStock(ctx context.Context, skuID, warehouseID int64, quantity int) (bool, error)

	// SetSkuName stores display metadata on an existing entry
	SetSkuName(ctx context.Context, skuID, warehouseID int64, name string) error

	// GetStock returns nil, nil when the entry does not exist
	GetStock(ctx context.Context, skuID, warehouseID int64) (*domain.StockEntry, error)

	ListStock(ctx context.Context, filter domain.StockFilter) (domain.StockPage, error)

	// AvailableBySku sums total minus locked per SKU across warehouses
	AvailableBySku(ctx context.Context, skuIDs []int64) (map[int64]int, error)

	// PublishPending hands up to limit unpublished outbox rows to fn inside a
	// transaction and marks every row fn accepted as published.
	PublishPending(ctx context.Context, limit int, fn func(msg domain.OutboxMessage) error) (int, error)
}

// LedgerTx is the set of operations available inside a lock transaction.
type LedgerTx interface {
	// LockTask takes a row lock on the task for the rest of the transaction
	LockTask(ctx context.Context, taskID string) error

	CountDetails(ctx context.Context, taskID string, status domain.LockStatus) (int, error)

	// WarehousesWithStock lists warehouses where the SKU has available stock, ordered by id
	WarehousesWithStock(ctx context.Context, skuID int64) ([]int64, error)

	// TryLock moves quantity from available to locked if enough is available.
	// It returns the number of affected rows, 0 or 1.
	TryLock(ctx context.Context, skuID, warehouseID int64, quantity int) (int64, error)

	// Release moves quantity from locked back to available
	Release(ctx context.Context, skuID, warehouseID int64, quantity int) error

	InsertDetail(ctx context.Context, detail domain.ReservationDetail) error

	// EnqueueEvent writes an event to the outbox in the same transaction
	EnqueueEvent(ctx context.Context, key string, event domain.StockLockedEvent) error
}
