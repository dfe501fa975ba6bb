package http

import (
	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/simgateway/pkg/config"
	"github.com/wyfcoding/simgateway/pkg/metrics"
	"github.com/wyfcoding/simgateway/pkg/middleware"
	"github.com/wyfcoding/simgateway/pkg/ratelimit"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterOptions 路由装配参数
type RouterOptions struct {
	ServiceName string
	Metrics     *metrics.Metrics
	MetricsPath string
	Limiter     ratelimit.RateLimiter
	RateLimit   config.RateLimitConfig
	Tracing     bool
}

// NewRouter 创建 Gin 引擎并注册全部路由
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	if opts.Tracing {
		r.Use(otelgin.Middleware(opts.ServiceName))
	}
	r.Use(
		middleware.GinRecoveryMiddleware(),
		middleware.GinLoggingMiddleware(opts.Metrics),
		middleware.GinCORSMiddleware(),
	)

	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
	if opts.MetricsPath != "" {
		r.GET(opts.MetricsPath, gin.WrapH(metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/stats", h.Stats)

	control := v1.Group("/sessions", middleware.RateLimitMiddleware(opts.Limiter, opts.RateLimit))
	{
		control.POST("", h.CreateSession)
		control.GET("/:id", h.GetSession)
		control.DELETE("/:id", h.EndSession)
		control.POST("/:id/simulator", h.StartSimulator)
		control.GET("/:id/simulator", h.SimulatorStatus)
		control.DELETE("/:id/simulator", h.StopSimulator)
	}

	streams := v1.Group("/sessions/:id/stream")
	{
		streams.GET("/ws", h.StreamWS)
		streams.GET("/sse", h.StreamSSE)
	}
	return r
}
