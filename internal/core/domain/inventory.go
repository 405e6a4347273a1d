package domain

import "time"

// StockEntry is the ledger row for one SKU in one warehouse.
type StockEntry struct {
	SkuID          int64
	WarehouseID    int64
	SkuName        string
	TotalQuantity  int
	LockedQuantity int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s StockEntry) Available() int {
	return s.TotalQuantity - s.LockedQuantity
}

type StockFilter struct {
	SkuID       int64
	WarehouseID int64
	Page        int
	Limit       int
}

type StockPage struct {
	Entries    []StockEntry
	TotalCount int
	Page       int
	Limit      int
}

type SkuHasStock struct {
	SkuID    int64 `json:"skuId"`
	HasStock bool  `json:"hasStock"`
}

type ProductInfo struct {
	Found       bool
	DisplayName string
}
