// Package routes 注册HTTP路由
package routes

import (
	"voice_live_bridge/internal/handlers"
	"voice_live_bridge/internal/metrics"
	"voice_live_bridge/internal/services/voice"
	"voice_live_bridge/internal/services/ws"

	"github.com/gin-gonic/gin"
)

// Dependencies 路由依赖
type Dependencies struct {
	Registry    *voice.Registry
	Hub         *ws.Hub
	Metrics     *metrics.Metrics // 为 nil 时不暴露指标
	MetricsPath string
}

// RegisterRoutes 注册所有路由
func RegisterRoutes(r *gin.Engine, deps Dependencies) {
	r.GET("/", handlers.Index)
	r.GET("/health", handlers.Health)
	r.GET("/sessions", handlers.Sessions(deps.Registry))

	// 客户端事件通道
	r.GET("/ws", deps.Hub.HandleConnection)

	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(deps.Metrics.Handler()))
	}
}
