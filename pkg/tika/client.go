// Package tika 提供了一个与 Apache Tika 服务器交互的客户端，用于截图 OCR。
package tika

import (
	"context"
	"fmt"
	"gamehub-go/internal/config"
	"io"
	"net/http"
	"strings"
)

// maxTextBytes 限制 OCR 结果大小，截图中的文字远小于此值。
const maxTextBytes = 64 * 1024

// Client 是 Tika 服务器的客户端。
type Client struct {
	serverURL string
	http      *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(cfg config.TikaConfig) *Client {
	return &Client{serverURL: cfg.ServerURL, http: http.DefaultClient}
}

// ExtractText 调用 Tika 从图片中识别文字。contentType 为空时由 Tika 自行检测。
func (c *Client) ExtractText(ctx context.Context, reader io.Reader, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+"/tika", reader)
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	// 截图一般是英文界面
	req.Header.Set("X-Tika-OCRLanguage", "eng")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("调用 Tika 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("Tika 返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTextBytes))
	if err != nil {
		return "", fmt.Errorf("读取 Tika 响应失败: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}
