package domain

import "time"

type LockStatus int

const (
	LockStatusLocked   LockStatus = 1
	LockStatusReleased LockStatus = 2
)

func (s LockStatus) String() string {
	switch s {
	case LockStatusLocked:
		return "locked"
	case LockStatusReleased:
		return "released"
	default:
		return "unknown"
	}
}

// LineItem is one SKU and quantity an order wants reserved.
type LineItem struct {
	SkuID    int64
	Quantity int
}

// ReservationTask records one lock attempt for an order. It is written before
// any ledger row is touched and is never deleted.
type ReservationTask struct {
	TaskID    string
	OrderSn   string
	CreatedAt time.Time
}

// ReservationDetail exists only for line items whose ledger decrement committed.
type ReservationDetail struct {
	DetailID    string
	TaskID      string
	SkuID       int64
	WarehouseID int64
	Quantity    int
	LockStatus  LockStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type TaskWithDetails struct {
	Task    ReservationTask
	Details []ReservationDetail
}

// TaskCursor marks a position in a creation-ordered scan of tasks. The zero
// value starts from the beginning.
type TaskCursor struct {
	CreatedAt time.Time
	TaskID    string
}

func (t ReservationTask) Cursor() TaskCursor {
	return TaskCursor{CreatedAt: t.CreatedAt, TaskID: t.TaskID}
}
