package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

type stockKey struct {
	sku, warehouse int64
}

type outboxRow struct {
	msg       domain.OutboxMessage
	published bool
}

// memStore is an in-memory DatabaseRepository. Transactions are serialized
// by the mutex and rolled back by restoring a snapshot.
type memStore struct {
	mu sync.Mutex

	stock       map[stockKey]domain.StockEntry
	tasks       map[string]domain.ReservationTask
	details     map[string]domain.ReservationDetail
	detailOrder []string
	outbox      []outboxRow
	nextOutbox  int64

	now          func() time.Time
	getDetailErr error
	lastFilter   domain.StockFilter
	lockedSkus   []int64
}

type memSnapshot struct {
	stock       map[stockKey]domain.StockEntry
	details     map[string]domain.ReservationDetail
	detailOrder []string
	outbox      []outboxRow
	nextOutbox  int64
}

func newMemStore() *memStore {
	return &memStore{
		stock:   make(map[stockKey]domain.StockEntry),
		tasks:   make(map[string]domain.ReservationTask),
		details: make(map[string]domain.ReservationDetail),
		now:     time.Now,
	}
}

func (m *memStore) seed(skuID, warehouseID int64, total, locked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[stockKey{skuID, warehouseID}] = domain.StockEntry{
		SkuID:          skuID,
		WarehouseID:    warehouseID,
		TotalQuantity:  total,
		LockedQuantity: locked,
	}
}

func (m *memStore) entry(skuID, warehouseID int64) domain.StockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[stockKey{skuID, warehouseID}]
}

func (m *memStore) detail(id string) domain.ReservationDetail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.details[id]
}

func (m *memStore) putDetail(d domain.ReservationDetail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[d.DetailID] = d
	m.detailOrder = append(m.detailOrder, d.DetailID)
}

func (m *memStore) taskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *memStore) detailCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.details)
}

func (m *memStore) events() []domain.StockLockedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var evts []domain.StockLockedEvent
	for _, row := range m.outbox {
		var evt domain.StockLockedEvent
		if err := json.Unmarshal(row.msg.Payload, &evt); err != nil {
			panic(err)
		}
		evts = append(evts, evt)
	}
	return evts
}

func (m *memStore) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.outbox {
		if !row.published {
			n++
		}
	}
	return n
}

func (m *memStore) snapshot() memSnapshot {
	s := memSnapshot{
		stock:       make(map[stockKey]domain.StockEntry, len(m.stock)),
		details:     make(map[string]domain.ReservationDetail, len(m.details)),
		detailOrder: append([]string(nil), m.detailOrder...),
		outbox:      append([]outboxRow(nil), m.outbox...),
		nextOutbox:  m.nextOutbox,
	}
	for k, v := range m.stock {
		s.stock[k] = v
	}
	for k, v := range m.details {
		s.details[k] = v
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.stock = s.stock
	m.details = s.details
	m.detailOrder = s.detailOrder
	m.outbox = s.outbox
	m.nextOutbox = s.nextOutbox
}

func (m *memStore) InTx(ctx context.Context, fn func(tx port.LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) CreateTask(ctx context.Context, orderSn string) (*domain.ReservationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.OrderSn == orderSn {
			return &t, nil
		}
	}
	t := domain.ReservationTask{TaskID: uuid.NewString(), OrderSn: orderSn, CreatedAt: m.now()}
	m.tasks[t.TaskID] = t
	return &t, nil
}

func (m *memStore) GetTask(ctx context.Context, taskID string) (*domain.ReservationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *memStore) GetTaskByOrderSn(ctx context.Context, orderSn string) (*domain.ReservationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.OrderSn == orderSn {
			return &t, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetDetail(ctx context.Context, detailID string) (*domain.ReservationDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getDetailErr != nil {
		return nil, m.getDetailErr
	}
	d, ok := m.details[detailID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *memStore) ListDetails(ctx context.Context, taskID string, status domain.LockStatus) ([]domain.ReservationDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ReservationDetail
	for _, id := range m.detailOrder {
		d := m.details[id]
		if d.TaskID == taskID && (status == 0 || d.LockStatus == status) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) ReleaseDetail(ctx context.Context, detailID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.details[detailID]
	if !ok || d.LockStatus != domain.LockStatusLocked {
		return false, nil
	}
	key := stockKey{d.SkuID, d.WarehouseID}
	entry := m.stock[key]
	if entry.LockedQuantity < d.Quantity {
		return false, domain.ErrLedgerInconsistent
	}
	entry.LockedQuantity -= d.Quantity
	m.stock[key] = entry
	d.LockStatus = domain.LockStatusReleased
	m.details[detailID] = d
	return true, nil
}

func (m *memStore) ListStaleTasks(ctx context.Context, since, cutoff time.Time, after domain.TaskCursor, limit int) ([]domain.ReservationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale := make(map[string]bool)
	for _, d := range m.details {
		if d.LockStatus == domain.LockStatusLocked && d.CreatedAt.Before(cutoff) && !d.CreatedAt.Before(since) {
			stale[d.TaskID] = true
		}
	}

	var tasks []domain.ReservationTask
	for id := range stale {
		t, ok := m.tasks[id]
		if !ok {
			continue
		}
		if !after.CreatedAt.IsZero() {
			if t.CreatedAt.Before(after.CreatedAt) || (t.CreatedAt.Equal(after.CreatedAt) && t.TaskID <= after.TaskID) {
				continue
			}
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].TaskID < tasks[j].TaskID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (m *memStore) AddStock(ctx context.Context, skuID, warehouseID int64, quantity int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stockKey{skuID, warehouseID}
	entry, ok := m.stock[key]
	if !ok {
		m.stock[key] = domain.StockEntry{SkuID: skuID, WarehouseID: warehouseID, TotalQuantity: quantity}
		return true, nil
	}
	entry.TotalQuantity += quantity
	m.stock[key] = entry
	return false, nil
}

func (m *memStore) SetSkuName(ctx context.Context, skuID, warehouseID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stockKey{skuID, warehouseID}
	entry := m.stock[key]
	entry.SkuName = name
	m.stock[key] = entry
	return nil
}

func (m *memStore) GetStock(ctx context.Context, skuID, warehouseID int64) (*domain.StockEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.stock[stockKey{skuID, warehouseID}]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *memStore) ListStock(ctx context.Context, filter domain.StockFilter) (domain.StockPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = filter

	page := domain.StockPage{Page: filter.Page, Limit: filter.Limit}
	for _, entry := range m.stock {
		if filter.SkuID > 0 && entry.SkuID != filter.SkuID {
			continue
		}
		if filter.WarehouseID > 0 && entry.WarehouseID != filter.WarehouseID {
			continue
		}
		page.Entries = append(page.Entries, entry)
	}
	page.TotalCount = len(page.Entries)
	return page, nil
}

func (m *memStore) AvailableBySku(ctx context.Context, skuIDs []int64) (map[int64]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]int)
	for _, id := range skuIDs {
		for _, entry := range m.stock {
			if entry.SkuID == id {
				out[id] += entry.Available()
			}
		}
	}
	return out, nil
}

func (m *memStore) PublishPending(ctx context.Context, limit int, fn func(msg domain.OutboxMessage) error) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for i := range m.outbox {
		if n == limit {
			break
		}
		if m.outbox[i].published {
			continue
		}
		if err := fn(m.outbox[i].msg); err != nil {
			return n, err
		}
		m.outbox[i].published = true
		n++
	}
	return n, nil
}

type memTx struct {
	m *memStore
}

func (t *memTx) LockTask(ctx context.Context, taskID string) error {
	if _, ok := t.m.tasks[taskID]; !ok {
		return domain.ErrStaleOrMissingTask
	}
	return nil
}

func (t *memTx) CountDetails(ctx context.Context, taskID string, status domain.LockStatus) (int, error) {
	n := 0
	for _, d := range t.m.details {
		if d.TaskID == taskID && d.LockStatus == status {
			n++
		}
	}
	return n, nil
}

func (t *memTx) WarehousesWithStock(ctx context.Context, skuID int64) ([]int64, error) {
	var ids []int64
	for _, entry := range t.m.stock {
		if entry.SkuID == skuID && entry.Available() > 0 {
			ids = append(ids, entry.WarehouseID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memTx) TryLock(ctx context.Context, skuID, warehouseID int64, quantity int) (int64, error) {
	t.m.lockedSkus = append(t.m.lockedSkus, skuID)
	key := stockKey{skuID, warehouseID}
	entry, ok := t.m.stock[key]
	if !ok || entry.Available() < quantity {
		return 0, nil
	}
	entry.LockedQuantity += quantity
	t.m.stock[key] = entry
	return 1, nil
}

func (t *memTx) Release(ctx context.Context, skuID, warehouseID int64, quantity int) error {
	key := stockKey{skuID, warehouseID}
	entry := t.m.stock[key]
	entry.LockedQuantity -= quantity
	t.m.stock[key] = entry
	return nil
}

func (t *memTx) InsertDetail(ctx context.Context, d domain.ReservationDetail) error {
	t.m.details[d.DetailID] = d
	t.m.detailOrder = append(t.m.detailOrder, d.DetailID)
	return nil
}

func (t *memTx) EnqueueEvent(ctx context.Context, key string, event domain.StockLockedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	t.m.nextOutbox++
	t.m.outbox = append(t.m.outbox, outboxRow{msg: domain.OutboxMessage{
		ID:      t.m.nextOutbox,
		EventID: uuid.NewString(),
		Key:     key,
		Payload: payload,
	}})
	return nil
}

type mockOrderLookup struct {
	mock.Mock
}

func (m *mockOrderLookup) GetOrderStatus(ctx context.Context, orderSn string) (domain.OrderStatusResult, error) {
	args := m.Called(ctx, orderSn)
	return args.Get(0).(domain.OrderStatusResult), args.Error(1)
}

type mockProductLookup struct {
	mock.Mock
}

func (m *mockProductLookup) GetProductInfo(ctx context.Context, skuID int64) (domain.ProductInfo, error) {
	args := m.Called(ctx, skuID)
	return args.Get(0).(domain.ProductInfo), args.Error(1)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	failOn    int
	calls     int
}

func (p *fakePublisher) Publish(ctx context.Context, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failOn > 0 && p.calls == p.failOn {
		return errors.New("channel down")
	}
	p.published = append(p.published, key)
	return nil
}

func (p *fakePublisher) Close() error { return nil }
