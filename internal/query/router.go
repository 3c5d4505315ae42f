package query

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterOptions 组装 HTTP 入口时的可选部件。
type RouterOptions struct {
	// WebSocket 订阅入口，挂在 /ws
	WS http.Handler
	// Health 为 nil 时 /healthz 恒为 ok
	Health       func() error
	AllowOrigins []string
}

// NewRouter 构建查询 API、订阅入口与健康检查的 gin 引擎。
func NewRouter(h *Handler, logger *zap.Logger, opts RouterOptions) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(logger, true))

	corsCfg := cors.Config{
		AllowOrigins: opts.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	if len(corsCfg.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	}
	r.Use(cors.New(corsCfg))

	h.Register(r)
	if opts.WS != nil {
		r.GET("/ws", gin.WrapH(opts.WS))
	}
	r.GET("/healthz", func(c *gin.Context) {
		if opts.Health != nil {
			if err := opts.Health(); err != nil {
				c.JSON(http.StatusServiceUnavailable, response{Status: "error", Message: err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, response{Status: "success", Data: gin.H{"healthy": true}})
	})
	return r
}
