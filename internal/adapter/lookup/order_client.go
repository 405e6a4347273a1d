package lookup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const orderStatusPath = "/api/order/order/status/{orderSn}"

type orderStatusData struct {
	OrderSn string `json:"orderSn"`
	Status  int    `json:"status"`
}

// OrderClient asks the order service for an order's status. Only a
// successful response with no data means the order does not exist; every
// other failure, 404 included, is ErrLookupUnavailable.
type OrderClient struct {
	client *resty.Client
}

func NewOrderClient(baseURL string, timeout time.Duration) *OrderClient {
	return &OrderClient{client: newRestyClient(baseURL, timeout)}
}

func (c *OrderClient) GetOrderStatus(ctx context.Context, orderSn string) (domain.OrderStatusResult, error) {
	var body R[orderStatusData]
	resp, err := newRequest(ctx, c.client).
		SetPathParam("orderSn", orderSn).
		SetResult(&body).
		Get(orderStatusPath)
	if err != nil {
		return domain.OrderStatusResult{}, fmt.Errorf("%w: order %s: %v", domain.ErrLookupUnavailable, orderSn, err)
	}
	if resp.IsError() {
		return domain.OrderStatusResult{}, fmt.Errorf("%w: order %s: http %d", domain.ErrLookupUnavailable, orderSn, resp.StatusCode())
	}
	if body.Code != 0 {
		return domain.OrderStatusResult{}, fmt.Errorf("%w: order %s: code %d %s", domain.ErrLookupUnavailable, orderSn, body.Code, body.Msg)
	}
	if body.Data == nil {
		return domain.OrderStatusResult{Found: false}, nil
	}

	return domain.OrderStatusResult{Found: true, Status: domain.OrderStatus(body.Data.Status)}, nil
}
