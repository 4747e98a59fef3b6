package handler

import (
	"gamehub-go/internal/model"
	"gamehub-go/internal/service"
	"gamehub-go/pkg/log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理标签页、消息历史与子标签页相关的 API 请求。
type ConversationHandler struct {
	store    service.ConversationStore
	registry service.GameTabRegistry
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(store service.ConversationStore, registry service.GameTabRegistry) *ConversationHandler {
	return &ConversationHandler{store: store, registry: registry}
}

// ConversationDetail 是单个标签页及其消息与子标签页。
type ConversationDetail struct {
	Conversation *model.Conversation `json:"conversation"`
	Messages     []model.Message     `json:"messages"`
	SubTabs      []model.SubTab      `json:"subTabs"`
}

// ListTabs 返回用户的全部标签页，大厅在最前。
func (h *ConversationHandler) ListTabs(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	tabs, err := h.registry.Tabs(c.Request.Context(), user.ID)
	if err != nil {
		fail(c, "ListTabs", err)
		return
	}
	success(c, tabs)
}

// GetHub 返回用户的大厅会话，不存在时创建。
func (h *ConversationHandler) GetHub(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	conv, err := h.store.GetOrCreate(c.Request.Context(), user.ID, "")
	if err != nil {
		fail(c, "GetHub", err)
		return
	}
	h.writeDetail(c, conv)
}

// GetConversation 返回指定标签页的完整内容。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	conv, err := h.store.Get(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		fail(c, "GetConversation", err)
		return
	}
	h.writeDetail(c, conv)
}

func (h *ConversationHandler) writeDetail(c *gin.Context, conv *model.Conversation) {
	ctx := c.Request.Context()
	messages, err := h.store.List(ctx, conv.ID)
	if err != nil {
		fail(c, "ListMessages", err)
		return
	}
	subTabs, err := h.store.SubTabs(ctx, conv.ID)
	if err != nil {
		fail(c, "ListSubTabs", err)
		return
	}
	success(c, ConversationDetail{Conversation: conv, Messages: messages, SubTabs: subTabs})
}

// AddGameRequest 定义了手动添加游戏标签页的请求体。
type AddGameRequest struct {
	Name string `json:"name" binding:"required,max=255"`
}

// AddGame 处理客户端的 "Add Game" 操作。已存在的游戏返回原标签页。
func (h *ConversationHandler) AddGame(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	var req AddGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：name 不能为空且不能超过 255 个字符", "data": nil})
		return
	}

	conv, created, err := h.registry.AddGame(c.Request.Context(), user.ID, req.Name)
	if err != nil {
		fail(c, "AddGame", err)
		return
	}
	if created {
		log.Infof("[ConversationHandler] 用户 %d 添加了游戏标签页: %s", user.ID, conv.GameName)
		c.JSON(http.StatusCreated, gin.H{"code": http.StatusCreated, "message": "created", "data": gin.H{"conversation": conv, "created": true}})
		return
	}
	success(c, gin.H{"conversation": conv, "created": false})
}

// ListSubTabs 返回游戏标签页的子标签页，按位置排序。
func (h *ConversationHandler) ListSubTabs(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	subTabs, err := h.registry.SubTabs(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		fail(c, "ListSubTabs", err)
		return
	}
	success(c, subTabs)
}

// AddSubTab 在游戏标签页末尾添加一个子标签页。
func (h *ConversationHandler) AddSubTab(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	var in service.SubTabInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}
	st, err := h.registry.AddSubTab(c.Request.Context(), user.ID, c.Param("id"), in)
	if err != nil {
		fail(c, "AddSubTab", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": http.StatusCreated, "message": "created", "data": st})
}

// UpdateSubTab 更新子标签页的名称、内容或状态。
func (h *ConversationHandler) UpdateSubTab(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	var in service.SubTabInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}
	st, err := h.registry.UpdateSubTab(c.Request.Context(), user.ID, c.Param("id"), c.Param("subTabId"), in)
	if err != nil {
		fail(c, "UpdateSubTab", err)
		return
	}
	success(c, st)
}

// MoveMessagesRequest 定义了把消息移到另一个标签页的请求体。MessageIDs 为空时移动全部消息。
type MoveMessagesRequest struct {
	ToID       string   `json:"toId" binding:"required"`
	MessageIDs []string `json:"messageIds"`
}

// MoveMessages 把消息从当前标签页移到用户的另一个标签页。
func (h *ConversationHandler) MoveMessages(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	var req MoveMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：toId 不能为空", "data": nil})
		return
	}

	ctx := c.Request.Context()
	fromID := c.Param("id")
	// 两端都必须属于当前用户
	for _, id := range []string{fromID, req.ToID} {
		if _, err := h.store.Get(ctx, user.ID, id); err != nil {
			fail(c, "MoveMessages", err)
			return
		}
	}

	moved, err := h.store.Move(ctx, fromID, req.ToID, req.MessageIDs...)
	if err != nil {
		fail(c, "MoveMessages", err)
		return
	}
	success(c, gin.H{"moved": moved})
}

// Reconcile 用持久层的数据重新对齐内存中的会话，客户端恢复在线后调用，返回对齐后的消息。
func (h *ConversationHandler) Reconcile(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.store.Get(ctx, user.ID, id); err != nil {
		fail(c, "Reconcile", err)
		return
	}
	if err := h.store.Reconcile(ctx, id); err != nil {
		fail(c, "Reconcile", err)
		return
	}
	messages, err := h.store.List(ctx, id)
	if err != nil {
		fail(c, "Reconcile", err)
		return
	}
	success(c, messages)
}
