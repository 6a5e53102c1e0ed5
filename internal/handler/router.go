package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件（Recovery 必须在最外层）
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(MetricsMiddleware())

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 钱包相关
		wallet := api.Group("/wallet")
		{
			wallet.GET("", h.GetWallet)
			wallet.GET("/entries", h.ListEntries)
			wallet.POST("/topup", h.Topup)
		}

		// 生成任务相关
		jobs := api.Group("/jobs")
		{
			jobs.POST("", h.SubmitJob)
			jobs.GET("", h.ListJobs)
			jobs.GET("/:id", h.GetJob)
			jobs.POST("/:id/cancel", h.CancelJob)
		}

		// 退款相关
		reservations := api.Group("/reservations")
		{
			reservations.POST("/:id/refund", h.RefundReservation)
		}
	}

	// 健康检查 + Prometheus 指标
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
