package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"gamehub-go/internal/model"
	"gamehub-go/pkg/log"
	"gamehub-go/pkg/storage"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxScreenshotSize 是单张截图的大小上限。
const MaxScreenshotSize = 10 << 20

var (
	// ErrScreenshotTooLarge 截图超过大小上限。
	ErrScreenshotTooLarge = errors.New("screenshot too large")
	// ErrUnsupportedImage 不是支持的图片格式。
	ErrUnsupportedImage = errors.New("unsupported image type")
	// ErrStorageUnavailable 对象存储未配置或启动时不可达。
	ErrStorageUnavailable = errors.New("screenshot storage unavailable")
)

// TextExtractor 从图片中提取文字。
type TextExtractor interface {
	ExtractText(ctx context.Context, reader io.Reader, contentType string) (string, error)
}

// ScreenshotService 保存截图并提取文字，结果作为消息的截图上下文。
type ScreenshotService interface {
	Upload(ctx context.Context, userID uint, fileName, contentType string, r io.Reader, fullscreen bool) (*model.ScreenshotContext, error)
	URL(ctx context.Context, objectName string) (string, error)
}

type screenshotService struct {
	store     storage.ObjectStore
	extractor TextExtractor
}

// NewScreenshotService 创建截图服务。store 为 nil 时上传与访问返回 ErrStorageUnavailable，extractor 为 nil 时不做 OCR。
func NewScreenshotService(store storage.ObjectStore, extractor TextExtractor) ScreenshotService {
	return &screenshotService{store: store, extractor: extractor}
}

func (s *screenshotService) Upload(ctx context.Context, userID uint, fileName, contentType string, r io.Reader, fullscreen bool) (*model.ScreenshotContext, error) {
	if s.store == nil {
		return nil, ErrStorageUnavailable
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, ErrUnsupportedImage
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxScreenshotSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read screenshot: %w", err)
	}
	if len(data) > MaxScreenshotSize {
		return nil, ErrScreenshotTooLarge
	}

	objectName := fmt.Sprintf("screenshots/%d/%s%s", userID, uuid.NewString(), strings.ToLower(path.Ext(fileName)))
	if err := s.store.PutObject(ctx, objectName, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, fmt.Errorf("failed to store screenshot: %w", err)
	}

	shot := &model.ScreenshotContext{ObjectName: objectName, Fullscreen: fullscreen}
	if s.extractor != nil {
		text, err := s.extractor.ExtractText(ctx, bytes.NewReader(data), contentType)
		if err != nil {
			log.Warnf("[ScreenshotService] OCR 失败，仅保存截图: object=%s, error: %v", objectName, err)
		} else {
			shot.Text = text
		}
	}
	log.Infof("[ScreenshotService] 截图已保存: user=%d, object=%s, textLen=%d", userID, objectName, len(shot.Text))
	return shot, nil
}

// URL 返回截图的临时访问地址。
func (s *screenshotService) URL(ctx context.Context, objectName string) (string, error) {
	if s.store == nil {
		return "", ErrStorageUnavailable
	}
	return s.store.PresignedURL(ctx, objectName, 15*time.Minute)
}
