package handler

import (
	"context"
	"encoding/json"
	"errors"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"gamehub-go/internal/service"
	"gamehub-go/pkg/log"
	"gamehub-go/pkg/realtime"
	"gamehub-go/pkg/token"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// 超过该时长未发送的用户，其令牌桶会被回收
	limiterIdle = 10 * time.Minute
	// 本连接发起的消息 ID 保留时长，超时后在心跳时清理
	ownTTL = 2 * time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源，鉴权由 chat token 完成
	},
}

// 客户端发来的帧类型
const (
	frameSend = "send"
	frameStop = "stop"
	framePing = "ping"
)

// 服务端额外推送的帧类型
const (
	frameStopped = "stopped"
	frameSync    = "sync"
	framePong    = "pong"
)

// clientFrame 是客户端通过 WebSocket 发送的一帧。
type clientFrame struct {
	Type            string                   `json:"type"`
	ConversationID  string                   `json:"conversationId"`
	Text            string                   `json:"text"`
	ClientMessageID string                   `json:"clientMessageId"`
	Screenshot      *model.ScreenshotContext `json:"screenshot,omitempty"`
}

// ChatHandler 负责聊天消息的 WebSocket 连接和 SSE 发送接口。
type ChatHandler struct {
	chatService service.ChatService
	userService service.UserService
	jwtManager  *token.JWTManager
	subscriber  realtime.Subscriber
	cfg         config.ChatConfig

	limiters  sync.Map // key: userID, value: *userLimiter
	lastSweep atomic.Int64
}

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64
}

// NewChatHandler 创建一个新的 ChatHandler。subscriber 为 nil 时不转发其他设备的变更。
func NewChatHandler(chatService service.ChatService, userService service.UserService, jwtManager *token.JWTManager, subscriber realtime.Subscriber, cfg config.ChatConfig) *ChatHandler {
	if subscriber == nil {
		subscriber = realtime.Nop{}
	}
	return &ChatHandler{
		chatService: chatService,
		userService: userService,
		jwtManager:  jwtManager,
		subscriber:  subscriber,
		cfg:         cfg,
	}
}

// allow 按用户限制发送频率，WebSocket 与 SSE 共用同一个令牌桶。
func (h *ChatHandler) allow(userID uint) bool {
	if h.cfg.SendRatePerSec <= 0 {
		return true
	}
	burst := h.cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	if last := h.lastSweep.Load(); now.UnixNano()-last > int64(time.Minute) && h.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		h.sweepLimiters(now, limiterIdle)
	}
	v, _ := h.limiters.LoadOrStore(userID, &userLimiter{lim: rate.NewLimiter(rate.Limit(h.cfg.SendRatePerSec), burst)})
	ul := v.(*userLimiter)
	ul.lastSeen.Store(now.UnixNano())
	return ul.lim.Allow()
}

// sweepLimiters 删除 idle 时间内没有发送过消息的令牌桶。
func (h *ChatHandler) sweepLimiters(now time.Time, idle time.Duration) int {
	cutoff := now.Add(-idle).UnixNano()
	removed := 0
	h.limiters.Range(func(key, value interface{}) bool {
		if value.(*userLimiter).lastSeen.Load() < cutoff {
			h.limiters.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func rateLimitedEvent(conversationID string) service.StreamEvent {
	return service.StreamEvent{
		Type:           service.EventError,
		ConversationID: conversationID,
		Error: &service.ErrorInfo{
			Code:         service.CodeRateLimited,
			Message:      "发送过于频繁，请稍后再试",
			Retryable:    true,
			InputEnabled: true,
		},
		Timestamp: time.Now().UnixMilli(),
	}
}

func requestErrorEvent(conversationID string, err error) service.StreamEvent {
	return service.StreamEvent{
		Type:           service.EventError,
		ConversationID: conversationID,
		Error:          &service.ErrorInfo{Code: "invalid_request", Message: err.Error(), InputEnabled: true},
		Timestamp:      time.Now().UnixMilli(),
	}
}

// wsSession 是一个 WebSocket 连接的状态。gorilla 的连接只允许一个并发写者。
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	// 本连接发起的消息，其他设备的同步事件中会跳过这些消息。value 为最近写入时间
	own sync.Map
}

func (s *wsSession) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *wsSession) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WriteEvent 实现 service.StreamWriter。
func (s *wsSession) WriteEvent(ev service.StreamEvent) error {
	now := time.Now()
	if ev.MessageID != "" {
		s.own.Store(ev.MessageID, now)
	}
	if ev.Message != nil {
		s.own.Store(ev.Message.ID, now)
	}
	return s.writeJSON(ev)
}

// forgetOwn 清理早于 cutoff 的消息 ID。流式消息每个增量都会刷新时间。
func (s *wsSession) forgetOwn(cutoff time.Time) {
	s.own.Range(func(key, value interface{}) bool {
		if value.(time.Time).Before(cutoff) {
			s.own.Delete(key)
		}
		return true
	})
}

func (s *wsSession) isOwn(ev realtime.Event) bool {
	if ev.Message == nil {
		return false
	}
	_, ok := s.own.Load(ev.Message.ID)
	return ok
}

// Handle 处理一个传入的 WebSocket 连接。token 必须是 chat 用途的短期 token。
func (h *ChatHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyPurpose(tokenString, token.PurposeChat)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}
	user, err := h.userService.GetProfile(claims.Username)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "用户不存在", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("[ChatHandler] WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("[ChatHandler] WebSocket 连接已建立，用户: %s", user.Username)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &wsSession{conn: conn}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.keepAlive(ctx, sess)
	go h.forward(ctx, sess, user.ID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("[ChatHandler] 从 WebSocket 读取消息失败: %v", err)
			}
			break
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			_ = sess.writeJSON(requestErrorEvent("", errors.New("无法解析的消息帧")))
			continue
		}

		switch frame.Type {
		case frameSend:
			if !h.allow(user.ID) {
				_ = sess.writeJSON(rateLimitedEvent(frame.ConversationID))
				continue
			}
			req := service.SendRequest{
				UserID:          user.ID,
				ConversationID:  frame.ConversationID,
				Text:            frame.Text,
				ClientMessageID: frame.ClientMessageID,
				Screenshot:      frame.Screenshot,
			}
			// 每次发送独立运行，读循环才能继续接收 stop 和新的发送
			go h.send(ctx, sess, req)
		case frameStop:
			stopped := h.chatService.Stop(user.ID, frame.ConversationID)
			_ = sess.writeJSON(gin.H{"type": frameStopped, "conversationId": frame.ConversationID, "stopped": stopped, "timestamp": time.Now().UnixMilli()})
		case framePing:
			_ = sess.writeJSON(gin.H{"type": framePong, "timestamp": time.Now().UnixMilli()})
		default:
			_ = sess.writeJSON(requestErrorEvent(frame.ConversationID, errors.New("未知的消息类型: "+frame.Type)))
		}
	}
	log.Infof("[ChatHandler] WebSocket 连接已关闭，用户: %s", user.Username)
}

func (h *ChatHandler) send(ctx context.Context, sess *wsSession, req service.SendRequest) {
	if _, err := h.chatService.Send(ctx, req, sess); err != nil {
		if statusOf(err) >= http.StatusInternalServerError {
			log.Errorf("[ChatHandler] 发送失败: user=%d, error: %v", req.UserID, err)
		}
		_ = sess.WriteEvent(requestErrorEvent(req.ConversationID, err))
	}
}

func (h *ChatHandler) keepAlive(ctx context.Context, sess *wsSession) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				return
			}
			sess.forgetOwn(time.Now().Add(-ownTTL))
		}
	}
}

// forward 把同一用户在其他连接上产生的变更推给当前连接。
func (h *ChatHandler) forward(ctx context.Context, sess *wsSession, userID uint) {
	events, unsubscribe := h.subscriber.Subscribe(ctx, userID)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if sess.isOwn(ev) {
				continue
			}
			if err := sess.writeJSON(gin.H{"type": frameSync, "event": ev}); err != nil {
				return
			}
		}
	}
}

// SendMessage 是 WebSocket 之外的 SSE 发送接口，请求体与 send 帧一致。
func (h *ChatHandler) SendMessage(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	var req service.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}
	req.UserID = user.ID

	if !h.allow(user.ID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"code": http.StatusTooManyRequests, "message": "发送过于频繁，请稍后再试", "data": rateLimitedEvent(req.ConversationID).Error})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	var mu sync.Mutex
	writer := service.StreamWriterFunc(func(ev service.StreamEvent) error {
		mu.Lock()
		defer mu.Unlock()
		c.SSEvent(ev.Type, ev)
		c.Writer.Flush()
		return nil
	})

	exchange, err := h.chatService.Send(c.Request.Context(), req, writer)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		if !c.Writer.Written() {
			fail(c, "SendMessage", err)
			return
		}
		c.SSEvent(service.EventError, requestErrorEvent(req.ConversationID, err))
		return
	}
	c.SSEvent("done", exchange)
	c.Writer.Flush()
}

// Stop 中止指定会话正在进行的生成。
func (h *ChatHandler) Stop(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	stopped := h.chatService.Stop(user.ID, c.Param("id"))
	success(c, gin.H{"stopped": stopped})
}
