package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/platform/observability"
)

const (
	codeOK            = 0
	codeUnknown       = 10000
	codeInvalid       = 10001
	codeUnavailable   = 10002
	codeOutOfStock    = 21000
	codeAlreadyLocked = 21001
	requestIDHeader   = "X-Request-ID"
	successMsg        = "success"
)

type StockLocker interface {
	LockStock(ctx context.Context, orderSn string, items []domain.LineItem) ([]domain.ReservationDetail, error)
	GetTask(ctx context.Context, orderSn string) (*domain.TaskWithDetails, error)
}

type StockReleaser interface {
	ReleaseForEvent(ctx context.Context, evt domain.StockLockedEvent) (domain.ReleaseOutcome, error)
	ReleaseAllForOrder(ctx context.Context, orderSn string) (int, error)
}

type StockKeeper interface {
	AddStock(ctx context.Context, skuID, warehouseID int64, quantity int) error
	HasStock(ctx context.Context, skuIDs []int64) ([]domain.SkuHasStock, error)
	ListStock(ctx context.Context, filter domain.StockFilter) (domain.StockPage, error)
}

type HTTPHandler struct {
	locker   StockLocker
	releaser StockReleaser
	keeper   StockKeeper
	logger   *zap.Logger
}

type LockStockRequest struct {
	OrderSn string        `json:"orderSn"`
	Locks   []LockRequest `json:"locks"`
}

type LockRequest struct {
	SkuID int64 `json:"skuId"`
	Count int   `json:"count"`
}

type AddStockRequest struct {
	SkuID  int64 `json:"skuId"`
	WareID int64 `json:"wareId"`
	SkuNum int   `json:"skuNum"`
}

type Response struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Data  any    `json:"data,omitempty"`
	SkuID int64  `json:"skuId,omitempty"`
}

type DetailResponse struct {
	DetailID   string    `json:"detailId"`
	TaskID     string    `json:"taskId"`
	SkuID      int64     `json:"skuId"`
	WareID     int64     `json:"wareId"`
	SkuNum     int       `json:"skuNum"`
	LockStatus int       `json:"lockStatus"`
	CreatedAt  time.Time `json:"createTime"`
}

type TaskResponse struct {
	TaskID    string           `json:"taskId"`
	OrderSn   string           `json:"orderSn"`
	CreatedAt time.Time        `json:"createTime"`
	Details   []DetailResponse `json:"details"`
}

type StockResponse struct {
	SkuID       int64  `json:"skuId"`
	WareID      int64  `json:"wareId"`
	SkuName     string `json:"skuName"`
	Stock       int    `json:"stock"`
	StockLocked int    `json:"stockLocked"`
}

type PageResponse struct {
	TotalCount int             `json:"totalCount"`
	PageSize   int             `json:"pageSize"`
	CurrPage   int             `json:"currPage"`
	List       []StockResponse `json:"list"`
}

func NewHTTPHandler(locker StockLocker, releaser StockReleaser, keeper StockKeeper, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{locker: locker, releaser: releaser, keeper: keeper, logger: logger}
}

// Router builds the gin engine. A nil gatherer leaves /metrics unmounted.
func (h *HTTPHandler) Router(serviceName string, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(h.requestLogger())

	r.GET("/health", h.HealthCheck)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/ware")
	api.POST("/stock/lock", h.LockStock)
	api.POST("/stock/release/:orderSn", h.ReleaseOrder)
	api.POST("/stock/release-event", h.ReleaseEvent)
	api.POST("/stock", h.AddStock)
	api.POST("/stock/has-stock", h.HasStock)
	api.GET("/stock", h.ListStock)
	api.GET("/tasks/:orderSn", h.GetTask)

	return r
}

func (h *HTTPHandler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		logger := h.logger.With(zap.String("request_id", requestID))
		c.Request = c.Request.WithContext(observability.WithLogger(c.Request.Context(), logger))

		started := time.Now()
		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
		)
	}
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) LockStock(c *gin.Context) {
	var req LockStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeInvalid, Msg: "invalid request body"})
		return
	}

	items := make([]domain.LineItem, 0, len(req.Locks))
	for _, l := range req.Locks {
		items = append(items, domain.LineItem{SkuID: l.SkuID, Quantity: l.Count})
	}

	details, err := h.locker.LockStock(c.Request.Context(), req.OrderSn, items)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]DetailResponse, 0, len(details))
	for _, d := range details {
		out = append(out, toDetailResponse(d))
	}
	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: successMsg, Data: out})
}

func (h *HTTPHandler) ReleaseOrder(c *gin.Context) {
	released, err := h.releaser.ReleaseAllForOrder(c.Request.Context(), c.Param("orderSn"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: successMsg, Data: gin.H{"released": released}})
}

func (h *HTTPHandler) ReleaseEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeInvalid, Msg: "invalid request body"})
		return
	}
	evt, err := domain.DecodeStockLockedEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeInvalid, Msg: err.Error()})
		return
	}

	outcome, err := h.releaser.ReleaseForEvent(c.Request.Context(), evt)
	if outcome == domain.RetryLater {
		msg := "retry later"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusServiceUnavailable, Response{Code: codeUnavailable, Msg: msg, Data: gin.H{"outcome": outcome.String()}})
		return
	}
	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: successMsg, Data: gin.H{"outcome": outcome.String()}})
}

func (h *HTTPHandler) AddStock(c *gin.Context) {
	var req AddStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeInvalid, Msg: "invalid request body"})
		return
	}

	if err := h.keeper.AddStock(c.Request.Context(), req.SkuID, req.WareID, req.SkuNum); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: successMsg})
}

func (h *HTTPHandler) HasStock(c *gin.Context) {
	var skuIDs []int64
	if err := c.ShouldBindJSON(&skuIDs); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeInvalid, Msg: "expected a list of sku ids"})
		return
	}

	result, err := h.keeper.HasStock(c.Request.Context(), skuIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: successMsg, Data: result})
}

func (h *HTTPHandler) ListStock(c *gin.Context) {
	var filter domain.StockFilter
	var err error
	if filter.SkuID, err = queryInt64(c, "skuId"); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeInvalid, Msg: "bad skuId"})
		return
	}
	if filter.WarehouseID, err = queryInt64(c, "wareId"); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeInvalid, Msg: "bad wareId"})
		return
	}
	page, err := queryInt64(c, "page")
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeInvalid, Msg: "bad page"})
		return
	}
	limit, err := queryInt64(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeInvalid, Msg: "bad limit"})
		return
	}
	filter.Page, filter.Limit = int(page), int(limit)

	result, err := h.keeper.ListStock(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}

	list := make([]StockResponse, 0, len(result.Entries))
	for _, e := range result.Entries {
		list = append(list, StockResponse{
			SkuID:       e.SkuID,
			WareID:      e.WarehouseID,
			SkuName:     e.SkuName,
			Stock:       e.TotalQuantity,
			StockLocked: e.LockedQuantity,
		})
	}
	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: successMsg, Data: PageResponse{
		TotalCount: result.TotalCount,
		PageSize:   result.Limit,
		CurrPage:   result.Page,
		List:       list,
	}})
}

func (h *HTTPHandler) GetTask(c *gin.Context) {
	task, err := h.locker.GetTask(c.Request.Context(), c.Param("orderSn"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, Response{Code: codeInvalid, Msg: "no reservation task for order"})
		return
	}

	resp := TaskResponse{
		TaskID:    task.Task.TaskID,
		OrderSn:   task.Task.OrderSn,
		CreatedAt: task.Task.CreatedAt,
		Details:   make([]DetailResponse, 0, len(task.Details)),
	}
	for _, d := range task.Details {
		resp.Details = append(resp.Details, toDetailResponse(d))
	}
	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: successMsg, Data: resp})
}

func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	var oos *domain.OutOfStockError
	switch {
	case errors.As(err, &oos):
		c.JSON(http.StatusConflict, Response{Code: codeOutOfStock, Msg: "out of stock", SkuID: oos.SkuID})
	case errors.Is(err, domain.ErrAlreadyReserved):
		c.JSON(http.StatusConflict, Response{Code: codeAlreadyLocked, Msg: "order already holds locked stock"})
	case errors.Is(err, domain.ErrInvalidLineItems):
		c.JSON(http.StatusBadRequest, Response{Code: codeInvalid, Msg: err.Error()})
	case errors.Is(err, domain.ErrLookupUnavailable):
		c.JSON(http.StatusServiceUnavailable, Response{Code: codeUnavailable, Msg: "dependency unavailable"})
	default:
		observability.LoggerFrom(c.Request.Context(), h.logger).Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{Code: codeUnknown, Msg: "internal error"})
	}
}

func toDetailResponse(d domain.ReservationDetail) DetailResponse {
	return DetailResponse{
		DetailID:   d.DetailID,
		TaskID:     d.TaskID,
		SkuID:      d.SkuID,
		WareID:     d.WarehouseID,
		SkuNum:     d.Quantity,
		LockStatus: int(d.LockStatus),
		CreatedAt:  d.CreatedAt,
	}
}

func queryInt64(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
