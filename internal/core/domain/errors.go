package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfStock         = errors.New("out of stock")
	ErrLookupUnavailable  = errors.New("lookup unavailable")
	ErrStaleOrMissingTask = errors.New("stale or missing reservation task")
	ErrAlreadyReserved    = errors.New("order already holds locked stock")
	ErrInvalidLineItems   = errors.New("invalid line items")
	ErrLedgerInconsistent = errors.New("ledger locked quantity lower than release")
)

// OutOfStockError names the SKU that could not be locked in any warehouse.
type OutOfStockError struct {
	SkuID int64
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: sku %d", e.SkuID)
}

func (e *OutOfStockError) Is(target error) bool {
	return target == ErrOutOfStock
}
