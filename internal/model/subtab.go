package model

import "time"

// SubTabType 是游戏标签页下辅助面板的类型。
type SubTabType string

const (
	SubTabStory       SubTabType = "story"
	SubTabStrategies  SubTabType = "strategies"
	SubTabTips        SubTabType = "tips"
	SubTabWalkthrough SubTabType = "walkthrough"
	SubTabItems       SubTabType = "items"
	SubTabCharacters  SubTabType = "characters"
	SubTabChat        SubTabType = "chat"
)

// SubTabStatus 描述子标签页内容的生成状态。
type SubTabStatus string

const (
	SubTabPending SubTabStatus = "pending"
	SubTabReady   SubTabStatus = "ready"
	SubTabFailed  SubTabStatus = "failed"
)

// SubTabStyle 是子标签页类型固定的展示样式，不参与业务逻辑。
type SubTabStyle struct {
	Color string `json:"color"`
	Icon  string `json:"icon"`
}

var subTabStyles = map[SubTabType]SubTabStyle{
	SubTabStory:       {Color: "#8B5CF6", Icon: "book-open"},
	SubTabStrategies:  {Color: "#EF4444", Icon: "target"},
	SubTabTips:        {Color: "#F59E0B", Icon: "lightbulb"},
	SubTabWalkthrough: {Color: "#10B981", Icon: "map"},
	SubTabItems:       {Color: "#3B82F6", Icon: "package"},
	SubTabCharacters:  {Color: "#EC4899", Icon: "users"},
	SubTabChat:        {Color: "#6B7280", Icon: "message-circle"},
}

// DefaultSubTabTypes 是新游戏标签页自动生成的子标签页顺序。
var DefaultSubTabTypes = []SubTabType{
	SubTabStory, SubTabStrategies, SubTabTips, SubTabWalkthrough, SubTabItems, SubTabCharacters,
}

// Valid 判断类型是否合法。
func (t SubTabType) Valid() bool {
	_, ok := subTabStyles[t]
	return ok
}

// Style 返回类型对应的展示样式。
func (t SubTabType) Style() SubTabStyle {
	return subTabStyles[t]
}

// SubTab 对应于数据库中的 subtabs 表。
type SubTab struct {
	ID             string       `gorm:"type:varchar(64);primaryKey" json:"id"`
	ConversationID string       `gorm:"type:varchar(64);not null;index" json:"conversationId"`
	Position       int          `gorm:"not null" json:"position"`
	Type           SubTabType   `gorm:"type:varchar(20);not null" json:"type"`
	Name           string       `gorm:"type:varchar(255);not null" json:"name"`
	Content        string       `gorm:"type:longtext" json:"content"`
	Status         SubTabStatus `gorm:"type:varchar(20);not null;default:pending" json:"status"`
	Style          SubTabStyle  `gorm:"-" json:"style"`
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (SubTab) TableName() string {
	return "subtabs"
}
