package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	errDuplicateEntry = 1062
	errDeadlock       = 1213

	maxTxAttempts = 3
)

type MySQLAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, now: time.Now}
}

// InTx retries fn when InnoDB picks the transaction as a deadlock victim.
func (m *MySQLAdapter) InTx(ctx context.Context, fn func(tx port.LedgerTx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = m.runTx(ctx, fn)
		if !isDeadlock(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func isDeadlock(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDeadlock
}

func (m *MySQLAdapter) runTx(ctx context.Context, fn func(tx port.LedgerTx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&mysqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) CreateTask(ctx context.Context, orderSn string) (*domain.ReservationTask, error) {
	existing, err := m.GetTaskByOrderSn(ctx, orderSn)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	task := domain.ReservationTask{
		TaskID:    uuid.NewString(),
		OrderSn:   orderSn,
		CreatedAt: m.now().UTC(),
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO ware_order_task (task_id, order_sn, created_at)
		VALUES (?, ?, ?)`,
		task.TaskID, task.OrderSn, task.CreatedAt,
	)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == errDuplicateEntry {
		// lost the race to a concurrent attempt for the same order
		return m.GetTaskByOrderSn(ctx, orderSn)
	}
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	return &task, nil
}

func (m *MySQLAdapter) GetTask(ctx context.Context, taskID string) (*domain.ReservationTask, error) {
	return m.scanTask(m.db.QueryRowContext(ctx, `
		SELECT task_id, order_sn, created_at
		FROM ware_order_task WHERE task_id = ?`, taskID,
	))
}

func (m *MySQLAdapter) GetTaskByOrderSn(ctx context.Context, orderSn string) (*domain.ReservationTask, error) {
	return m.scanTask(m.db.QueryRowContext(ctx, `
		SELECT task_id, order_sn, created_at
		FROM ware_order_task WHERE order_sn = ?`, orderSn,
	))
}

func (m *MySQLAdapter) scanTask(row *sql.Row) (*domain.ReservationTask, error) {
	var task domain.ReservationTask
	err := row.Scan(&task.TaskID, &task.OrderSn, &task.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return &task, nil
}

func (m *MySQLAdapter) GetDetail(ctx context.Context, detailID string) (*domain.ReservationDetail, error) {
	var d domain.ReservationDetail
	err := m.db.QueryRowContext(ctx, `
		SELECT detail_id, task_id, sku_id, ware_id, sku_num, lock_status, created_at, updated_at
		FROM ware_order_task_detail WHERE detail_id = ?`, detailID,
	).Scan(&d.DetailID, &d.TaskID, &d.SkuID, &d.WarehouseID, &d.Quantity, &d.LockStatus, &d.CreatedAt, &d.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query detail: %w", err)
	}
	return &d, nil
}

func (m *MySQLAdapter) ListDetails(ctx context.Context, taskID string, status domain.LockStatus) ([]domain.ReservationDetail, error) {
	query := `
		SELECT detail_id, task_id, sku_id, ware_id, sku_num, lock_status, created_at, updated_at
		FROM ware_order_task_detail WHERE task_id = ?`
	args := []any{taskID}
	if status != 0 {
		query += " AND lock_status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at, detail_id"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query details: %w", err)
	}
	defer rows.Close()

	var details []domain.ReservationDetail
	for rows.Next() {
		var d domain.ReservationDetail
		if err := rows.Scan(&d.DetailID, &d.TaskID, &d.SkuID, &d.WarehouseID, &d.Quantity, &d.LockStatus, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan detail: %w", err)
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

func (m *MySQLAdapter) ReleaseDetail(ctx context.Context, detailID string) (bool, error) {
	released := false
	err := m.InTx(ctx, func(ltx port.LedgerTx) error {
		released = false
		tx := ltx.(*mysqlTx)

		var skuID, wareID int64
		var qty int
		err := tx.tx.QueryRowContext(ctx, `
			SELECT sku_id, ware_id, sku_num
			FROM ware_order_task_detail WHERE detail_id = ?`, detailID,
		).Scan(&skuID, &wareID, &qty)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("query detail: %w", err)
		}

		result, err := tx.tx.ExecContext(ctx, `
			UPDATE ware_order_task_detail
			SET lock_status = ?, updated_at = ?
			WHERE detail_id = ? AND lock_status = ?`,
			domain.LockStatusReleased, m.now().UTC(), detailID, domain.LockStatusLocked,
		)
		if err != nil {
			return fmt.Errorf("update detail: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return nil
		}

		if err := tx.Release(ctx, skuID, wareID, qty); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

func (m *MySQLAdapter) ListStaleTasks(ctx context.Context, since, cutoff time.Time, after domain.TaskCursor, limit int) ([]domain.ReservationTask, error) {
	detailCond := "d.task_id = t.task_id AND d.lock_status = ? AND d.created_at < ?"
	args := []any{domain.LockStatusLocked, cutoff.UTC()}
	if !since.IsZero() {
		detailCond += " AND d.created_at >= ?"
		args = append(args, since.UTC())
	}
	query := `
		SELECT t.task_id, t.order_sn, t.created_at
		FROM ware_order_task t
		WHERE EXISTS (SELECT 1 FROM ware_order_task_detail d WHERE ` + detailCond + `)`
	if !after.CreatedAt.IsZero() {
		query += " AND (t.created_at > ? OR (t.created_at = ? AND t.task_id > ?))"
		args = append(args, after.CreatedAt.UTC(), after.CreatedAt.UTC(), after.TaskID)
	}
	query += " ORDER BY t.created_at, t.task_id LIMIT ?"
	args = append(args, limit)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.ReservationTask
	for rows.Next() {
		var t domain.ReservationTask
		if err := rows.Scan(&t.TaskID, &t.OrderSn, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (m *MySQLAdapter) AddStock(ctx context.Context, skuID, warehouseID int64, quantity int) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO ware_sku (sku_id, ware_id, stock, stock_locked)
		VALUES (?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE stock = stock + VALUES(stock)`,
		skuID, warehouseID, quantity,
	)
	if err != nil {
		return false, fmt.Errorf("upsert stock: %w", err)
	}

	// 1 for a fresh row, 2 when the existing row was updated
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLAdapter) SetSkuName(ctx context.Context, skuID, warehouseID int64, name string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE ware_sku SET sku_name = ? WHERE sku_id = ? AND ware_id = ?`,
		name, skuID, warehouseID,
	)
	if err != nil {
		return fmt.Errorf("update sku name: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetStock(ctx context.Context, skuID, warehouseID int64) (*domain.StockEntry, error) {
	var s domain.StockEntry
	err := m.db.QueryRowContext(ctx, `
		SELECT sku_id, ware_id, sku_name, stock, stock_locked, created_at, updated_at
		FROM ware_sku WHERE sku_id = ? AND ware_id = ?`, skuID, warehouseID,
	).Scan(&s.SkuID, &s.WarehouseID, &s.SkuName, &s.TotalQuantity, &s.LockedQuantity, &s.CreatedAt, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	return &s, nil
}

func (m *MySQLAdapter) ListStock(ctx context.Context, filter domain.StockFilter) (domain.StockPage, error) {
	page := domain.StockPage{Page: filter.Page, Limit: filter.Limit}

	var where []string
	var args []any
	if filter.SkuID > 0 {
		where = append(where, "sku_id = ?")
		args = append(args, filter.SkuID)
	}
	if filter.WarehouseID > 0 {
		where = append(where, "ware_id = ?")
		args = append(args, filter.WarehouseID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ware_sku"+clause, args...).Scan(&page.TotalCount); err != nil {
		return page, fmt.Errorf("count stock: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT sku_id, ware_id, sku_name, stock, stock_locked, created_at, updated_at
		FROM ware_sku`+clause+`
		ORDER BY sku_id, ware_id
		LIMIT ? OFFSET ?`,
		append(args, filter.Limit, (filter.Page-1)*filter.Limit)...,
	)
	if err != nil {
		return page, fmt.Errorf("query stock: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s domain.StockEntry
		if err := rows.Scan(&s.SkuID, &s.WarehouseID, &s.SkuName, &s.TotalQuantity, &s.LockedQuantity, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return page, fmt.Errorf("scan stock: %w", err)
		}
		page.Entries = append(page.Entries, s)
	}
	return page, rows.Err()
}

func (m *MySQLAdapter) AvailableBySku(ctx context.Context, skuIDs []int64) (map[int64]int, error) {
	available := make(map[int64]int, len(skuIDs))
	if len(skuIDs) == 0 {
		return available, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(skuIDs)), ",")
	args := make([]any, len(skuIDs))
	for i, id := range skuIDs {
		args[i] = id
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT sku_id, SUM(stock - stock_locked)
		FROM ware_sku
		WHERE sku_id IN (`+placeholders+`)
		GROUP BY sku_id`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query available stock: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var skuID int64
		var sum int
		if err := rows.Scan(&skuID, &sum); err != nil {
			return nil, fmt.Errorf("scan available stock: %w", err)
		}
		available[skuID] = sum
	}
	return available, rows.Err()
}

func (m *MySQLAdapter) PublishPending(ctx context.Context, limit int, fn func(msg domain.OutboxMessage) error) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_id, event_key, payload
		FROM stock_event_outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT ?
		FOR UPDATE SKIP LOCKED`, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("query outbox: %w", err)
	}

	var pending []domain.OutboxMessage
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.EventID, &msg.Key, &msg.Payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox: %w", err)
		}
		pending = append(pending, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate outbox: %w", err)
	}

	var published []any
	var publishErr error
	for _, msg := range pending {
		if publishErr = fn(msg); publishErr != nil {
			break
		}
		published = append(published, msg.ID)
	}

	if len(published) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(published)), ",")
		args := append([]any{m.now().UTC()}, published...)
		if _, err := tx.ExecContext(ctx, `
			UPDATE stock_event_outbox SET published_at = ?
			WHERE id IN (`+placeholders+`)`, args...,
		); err != nil {
			return 0, fmt.Errorf("mark outbox published: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox: %w", err)
	}

	if publishErr != nil {
		return len(published), fmt.Errorf("publish outbox event: %w", publishErr)
	}
	return len(published), nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) LockTask(ctx context.Context, taskID string) error {
	var id string
	err := t.tx.QueryRowContext(ctx, `
		SELECT task_id FROM ware_order_task WHERE task_id = ? FOR UPDATE`, taskID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrStaleOrMissingTask
	}
	if err != nil {
		return fmt.Errorf("lock task: %w", err)
	}
	return nil
}

func (t *mysqlTx) CountDetails(ctx context.Context, taskID string, status domain.LockStatus) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ware_order_task_detail
		WHERE task_id = ? AND lock_status = ?`, taskID, status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count details: %w", err)
	}
	return count, nil
}

func (t *mysqlTx) WarehousesWithStock(ctx context.Context, skuID int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT ware_id FROM ware_sku
		WHERE sku_id = ? AND stock - stock_locked > 0
		ORDER BY ware_id`, skuID,
	)
	if err != nil {
		return nil, fmt.Errorf("query warehouses: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan warehouse: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *mysqlTx) TryLock(ctx context.Context, skuID, warehouseID int64, quantity int) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE ware_sku
		SET stock_locked = stock_locked + ?
		WHERE sku_id = ? AND ware_id = ? AND stock - stock_locked >= ?`,
		quantity, skuID, warehouseID, quantity,
	)
	if err != nil {
		return 0, fmt.Errorf("lock stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (t *mysqlTx) Release(ctx context.Context, skuID, warehouseID int64, quantity int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE ware_sku
		SET stock_locked = stock_locked - ?
		WHERE sku_id = ? AND ware_id = ? AND stock_locked >= ?`,
		quantity, skuID, warehouseID, quantity,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("sku %d warehouse %d: %w", skuID, warehouseID, domain.ErrLedgerInconsistent)
	}
	return nil
}

func (t *mysqlTx) InsertDetail(ctx context.Context, d domain.ReservationDetail) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ware_order_task_detail
			(detail_id, task_id, sku_id, ware_id, sku_num, lock_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DetailID, d.TaskID, d.SkuID, d.WarehouseID, d.Quantity, d.LockStatus, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert detail: %w", err)
	}
	return nil
}

func (t *mysqlTx) EnqueueEvent(ctx context.Context, key string, event domain.StockLockedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO stock_event_outbox (event_id, event_key, payload)
		VALUES (?, ?, ?)`,
		uuid.NewString(), key, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
