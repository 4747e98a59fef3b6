// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"gamehub-go/internal/model"
	"gamehub-go/internal/service"
	"gamehub-go/pkg/log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// currentUser 返回 AuthMiddleware 注入的用户，不存在时写入 401 并返回 nil。
func currentUser(c *gin.Context) *model.User {
	v, ok := c.Get("user")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证用户或无法获取用户信息", "data": nil})
		return nil
	}
	user, ok := v.(*model.User)
	if !ok || user == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "用户数据类型错误", "data": nil})
		return nil
	}
	return user
}

func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

// statusOf 把服务层的哨兵错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrMessageNotFound),
		errors.Is(err, service.ErrSubTabNotFound),
		errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrMessageTooLong),
		errors.Is(err, service.ErrInvalidGame),
		errors.Is(err, service.ErrInvalidSubTab),
		errors.Is(err, service.ErrNotGameConversation),
		errors.Is(err, service.ErrInvalidTier),
		errors.Is(err, service.ErrUnsupportedImage):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrScreenshotTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrMessageStreaming):
		return http.StatusConflict
	case errors.Is(err, service.ErrStoreUnavailable),
		errors.Is(err, service.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail 按错误类型写入响应。5xx 会记录错误日志，并且不把内部错误细节返回给客户端。
func fail(c *gin.Context, op string, err error) {
	status := statusOf(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.Errorf("%s: %v", op, err)
		if status == http.StatusServiceUnavailable {
			message = "存储暂时不可用，请稍后重试"
		} else {
			message = "服务器内部错误"
		}
	} else {
		log.Warnf("%s: %v", op, err)
	}
	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}
