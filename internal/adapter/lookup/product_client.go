package lookup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const skuInfoPath = "/api/product/skuinfo/info/{skuId}"

type skuInfoResponse struct {
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	SkuInfo *struct {
		SkuID   int64  `json:"skuId"`
		SkuName string `json:"skuName"`
	} `json:"skuInfo"`
}

type ProductClient struct {
	client *resty.Client
}

func NewProductClient(baseURL string, timeout time.Duration) *ProductClient {
	return &ProductClient{client: newRestyClient(baseURL, timeout)}
}

func (c *ProductClient) GetProductInfo(ctx context.Context, skuID int64) (domain.ProductInfo, error) {
	var body skuInfoResponse
	resp, err := newRequest(ctx, c.client).
		SetPathParam("skuId", strconv.FormatInt(skuID, 10)).
		SetResult(&body).
		Get(skuInfoPath)
	if err != nil {
		return domain.ProductInfo{}, fmt.Errorf("%w: sku %d: %v", domain.ErrLookupUnavailable, skuID, err)
	}
	if resp.IsError() {
		return domain.ProductInfo{}, fmt.Errorf("%w: sku %d: http %d", domain.ErrLookupUnavailable, skuID, resp.StatusCode())
	}
	if body.Code != 0 {
		return domain.ProductInfo{}, fmt.Errorf("%w: sku %d: code %d %s", domain.ErrLookupUnavailable, skuID, body.Code, body.Msg)
	}
	if body.SkuInfo == nil {
		return domain.ProductInfo{Found: false}, nil
	}

	return domain.ProductInfo{Found: true, DisplayName: body.SkuInfo.SkuName}, nil
}
