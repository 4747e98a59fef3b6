package handler

import (
	"gamehub-go/internal/service"
	"gamehub-go/pkg/log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SyncHandler 暴露离线队列的状态，并允许客户端在恢复连接后立即触发重放。
type SyncHandler struct {
	syncService service.SyncService
}

// NewSyncHandler 创建一个新的 SyncHandler。
func NewSyncHandler(syncService service.SyncService) *SyncHandler {
	return &SyncHandler{syncService: syncService}
}

// Status 返回在线状态、待重放操作数和最近一次重放的结果。
func (h *SyncHandler) Status(c *gin.Context) {
	success(c, h.syncService.Status(c.Request.Context()))
}

// Flush 立即重放队列中的操作。离线时返回 503，队列保持不变。
func (h *SyncHandler) Flush(c *gin.Context) {
	ctx := c.Request.Context()
	applied, err := h.syncService.Flush(ctx)
	status := h.syncService.Status(ctx)
	if err != nil {
		log.Warnf("[SyncHandler] 重放未完成: applied=%d, error: %v", applied, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "同步未完成，稍后会自动重试", "data": gin.H{"applied": applied, "status": status}})
		return
	}
	success(c, gin.H{"applied": applied, "status": status})
}
