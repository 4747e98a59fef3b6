package model

import "time"

// GameInfo 是游戏目录（Elasticsearch game_catalog 索引）中的一条文档。
type GameInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Aliases     []string   `json:"aliases,omitempty"`
	Genre       string     `json:"genre,omitempty"`
	CoverURL    string     `json:"cover_url,omitempty"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`
	Similar     []string   `json:"similar,omitempty"`
	Vector      []float32  `json:"vector,omitempty"`
	Score       float64    `json:"-"`
}

// Released 判断游戏在给定时间是否已发售。没有发售日期的条目视为已发售。
func (g *GameInfo) Released(now time.Time) bool {
	if g.ReleaseDate == nil {
		return true
	}
	return !g.ReleaseDate.After(now)
}

// ScreenshotContext 是随消息附带的截图上下文。
type ScreenshotContext struct {
	ObjectName string `json:"objectName,omitempty"`
	Text       string `json:"text,omitempty"`
	Fullscreen bool   `json:"fullscreen"`
}
