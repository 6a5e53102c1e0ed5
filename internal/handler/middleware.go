package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"genpay/internal/metrics"
	"genpay/pkg/response"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware 日志中间件，每个请求一行
//
// 【关键点】5xx 记 ERROR，其余记 INFO，告警只需要盯 ERROR
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// 处理请求
		c.Next()

		// 记录日志
		if query != "" {
			path = path + "?" + query
		}
		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "http request",
			"component", "http",
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path)
	}
}

// RecoveryMiddleware 恢复中间件，panic 转成 500 响应，防止服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "component", "http", "path", c.Request.URL.Path, "panic", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{
					Code:    response.CodeServerError,
					Message: "internal error",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
// Idempotency-Key 要放进允许列表，浏览器预检才会放行
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, Idempotency-Key")

		// 预检请求直接返回
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// MetricsMiddleware 监控中间件，按路由模板统计请求数和耗时
//
// 【为什么用 FullPath 而不是 URL.Path？】
// URL.Path 带 job_id（/jobs/123、/jobs/124 ...），每个 id 一个 label，
// Prometheus 的时间序列会无限膨胀。FullPath 是 /api/v1/jobs/:id，数量固定。
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" { // 404 没有匹配到路由
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPLatency.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
