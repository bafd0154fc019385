// Package handlers 提供HTTP与客户端事件处理器
package handlers

import (
	"net/http"
	"time"

	"voice_live_bridge/internal/services/voice"

	"github.com/gin-gonic/gin"
)

const serviceName = "voice_live_bridge"

// Index 根路由
func Index(c *gin.Context) {
	c.String(http.StatusOK, "Voice Live Bridge Server Running")
}

// Health 健康检查
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"time":    time.Now().Format(time.RFC3339),
	})
}

// Sessions 返回当前会话快照
func Sessions(registry *voice.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshots := registry.Snapshots()
		c.JSON(http.StatusOK, gin.H{
			"count":    len(snapshots),
			"sessions": snapshots,
		})
	}
}
