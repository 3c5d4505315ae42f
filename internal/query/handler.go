package query

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bbo-stream-go/infrastructure/monitor"
)

type response struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Handler 历史查询的 HTTP 入口。
type Handler struct {
	svc     *Service
	logger  *zap.Logger
	monitor *monitor.Monitor
}

func NewHandler(svc *Service, logger *zap.Logger, mon *monitor.Monitor) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger.Named("query"), monitor: mon}
}

// Register 挂载 /api/history/* 路由。
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/api/history")
	g.GET("/symbols", h.symbols)
	g.GET("/updates", h.updates)
	g.GET("/latency", h.latency)
	g.GET("/stats", h.stats)
}

func (h *Handler) symbols(c *gin.Context) {
	h.ok(c, "symbols", h.svc.Symbols())
}

func (h *Handler) stats(c *gin.Context) {
	h.ok(c, "stats", h.svc.Stats())
}

func (h *Handler) updates(c *gin.Context) {
	var req UpdatesRequest
	var err error
	req.Symbol = c.Query("symbol")
	if req.Start, err = int64Param(c, "start_time"); err != nil {
		h.fail(c, "updates", err)
		return
	}
	if req.End, err = int64Param(c, "end_time"); err != nil {
		h.fail(c, "updates", err)
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil {
			h.fail(c, "updates", &ValidationError{Field: "limit", Message: "must be an integer"})
			return
		}
		req.Limit = n
	}

	res, err := h.svc.Updates(req)
	if err != nil {
		h.fail(c, "updates", err)
		return
	}
	h.ok(c, "updates", res)
}

func (h *Handler) latency(c *gin.Context) {
	var req LatencyRequest
	var err error
	req.Symbol = c.Query("symbol")
	if req.Start, err = int64Param(c, "start_time"); err != nil {
		h.fail(c, "latency", err)
		return
	}
	if req.End, err = int64Param(c, "end_time"); err != nil {
		h.fail(c, "latency", err)
		return
	}

	res, err := h.svc.Latency(req)
	if err != nil {
		h.fail(c, "latency", err)
		return
	}
	h.ok(c, "latency", res)
}

func (h *Handler) ok(c *gin.Context, endpoint string, data interface{}) {
	h.monitor.RecordQuery(endpoint, "ok")
	c.JSON(http.StatusOK, response{Status: "success", Data: data})
}

// fail 参数错误返回 400 且不按故障记录日志，其他错误返回 500。
func (h *Handler) fail(c *gin.Context, endpoint string, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		h.monitor.RecordQuery(endpoint, "bad_request")
		c.JSON(http.StatusBadRequest, response{Status: "error", Message: verr.Error()})
		return
	}
	h.monitor.RecordQuery(endpoint, "error")
	h.logger.Error("query failed", zap.String("endpoint", endpoint), zap.Error(err))
	c.JSON(http.StatusInternalServerError, response{Status: "error", Message: "internal error"})
}

func int64Param(c *gin.Context, name string) (*int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, &ValidationError{Field: name, Message: "must be an integer timestamp in milliseconds"}
	}
	return &v, nil
}
