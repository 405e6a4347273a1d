package domain

type OrderStatus int

const (
	OrderStatusCreateNew OrderStatus = 0
	OrderStatusPayed     OrderStatus = 1
	OrderStatusSended    OrderStatus = 2
	OrderStatusReceived  OrderStatus = 3
	OrderStatusCancelled OrderStatus = 4
	OrderStatusServicing OrderStatus = 5
	OrderStatusServiced  OrderStatus = 6
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusCreateNew:
		return "create_new"
	case OrderStatusPayed:
		return "payed"
	case OrderStatusSended:
		return "sended"
	case OrderStatusReceived:
		return "received"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusServicing:
		return "servicing"
	case OrderStatusServiced:
		return "serviced"
	default:
		return "unknown"
	}
}

// OrderStatusResult is what the order service reports for an order number.
// Found is false when the order service has no such order.
type OrderStatusResult struct {
	Found  bool
	Status OrderStatus
}

// Releasable reports whether stock held for the order may go back to the ledger.
func (r OrderStatusResult) Releasable() bool {
	return !r.Found || r.Status == OrderStatusCancelled
}
