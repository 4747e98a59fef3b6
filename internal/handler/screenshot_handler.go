package handler

import (
	"fmt"
	"gamehub-go/internal/service"
	"gamehub-go/pkg/log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// ScreenshotHandler 处理截图上传和访问。
type ScreenshotHandler struct {
	screenshotService service.ScreenshotService
}

// NewScreenshotHandler 创建一个新的 ScreenshotHandler。
func NewScreenshotHandler(screenshotService service.ScreenshotService) *ScreenshotHandler {
	return &ScreenshotHandler{screenshotService: screenshotService}
}

// Upload 接收 multipart 表单中的 file 字段，返回可附加到消息上的截图上下文。
func (h *ScreenshotHandler) Upload(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少截图文件", "data": nil})
		return
	}
	if fileHeader.Size > service.MaxScreenshotSize {
		fail(c, "UploadScreenshot", service.ErrScreenshotTooLarge)
		return
	}
	fullscreen, _ := strconv.ParseBool(c.DefaultPostForm("fullscreen", "false"))

	file, err := fileHeader.Open()
	if err != nil {
		log.Errorf("UploadScreenshot: failed to open file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法读取上传的文件", "data": nil})
		return
	}
	defer file.Close()

	shot, err := h.screenshotService.Upload(c.Request.Context(), user.ID, fileHeader.Filename, fileHeader.Header.Get("Content-Type"), file, fullscreen)
	if err != nil {
		fail(c, "UploadScreenshot", err)
		return
	}
	success(c, shot)
}

// URL 返回截图的临时访问地址。用户只能访问自己的截图。
func (h *ScreenshotHandler) URL(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	objectName := c.Query("object")
	if !strings.HasPrefix(objectName, fmt.Sprintf("screenshots/%d/", user.ID)) || strings.Contains(objectName, "..") {
		c.JSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "无权访问该截图", "data": nil})
		return
	}
	url, err := h.screenshotService.URL(c.Request.Context(), objectName)
	if err != nil {
		fail(c, "ScreenshotURL", err)
		return
	}
	success(c, gin.H{"url": url})
}
