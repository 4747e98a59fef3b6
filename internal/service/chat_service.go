package service

import (
	"context"
	"errors"
	"fmt"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"gamehub-go/pkg/llm"
	"gamehub-go/pkg/log"
	"net"
	"strings"
	"sync"
	"time"
)

var (
	// ErrEmptyMessage 消息为空或只包含空白字符。
	ErrEmptyMessage = errors.New("message is empty")
	// ErrMessageTooLong 消息超过长度限制。
	ErrMessageTooLong = errors.New("message is too long")

	errSuperseded = errors.New("stream superseded")
)

// 错误码，客户端据此展示提示，输入框始终保持可用。
const (
	CodeRateLimited        = "rate_limited"
	CodeBackendUnavailable = "backend_unavailable"
	CodeBackendRejected    = "backend_rejected"
	CodeTimeout            = "timeout"
	CodeMalformedResponse  = "malformed_response"
	CodeCanceled           = "canceled"
	CodeCreditsUnavailable = "credits_unavailable"
)

// 推送给客户端的事件类型
const (
	EventUserMessage      = "user_message"
	EventRouted           = "routed"
	EventAssistantStarted = "assistant_started"
	EventChunk            = "chunk"
	EventCompletion       = "completion"
	EventError            = "error"
	EventDenied           = "denied"
	EventDuplicate        = "duplicate"
)

// ErrorInfo 是内联展示的非致命错误。
type ErrorInfo struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable"`
	InputEnabled bool   `json:"inputEnabled"`
}

// StreamEvent 是发送过程中推送给客户端的一帧。
type StreamEvent struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversationId,omitempty"`
	MessageID      string              `json:"messageId,omitempty"`
	Chunk          string              `json:"chunk,omitempty"`
	Message        *model.Message      `json:"message,omitempty"`
	Conversation   *model.Conversation `json:"conversation,omitempty"`
	Detection      *Detection          `json:"detection,omitempty"`
	Error          *ErrorInfo          `json:"error,omitempty"`
	Decision       *Decision           `json:"decision,omitempty"`
	Timestamp      int64               `json:"timestamp"`
}

// StreamWriter 接收发送过程中的事件。写入失败不会中断生成，结果仍会被保存。
type StreamWriter interface {
	WriteEvent(ev StreamEvent) error
}

// StreamWriterFunc 让普通函数满足 StreamWriter。
type StreamWriterFunc func(ev StreamEvent) error

func (f StreamWriterFunc) WriteEvent(ev StreamEvent) error { return f(ev) }

// SendRequest 是一次发送请求。ConversationID 为空时发往大厅。
type SendRequest struct {
	UserID          uint                     `json:"-"`
	ConversationID  string                   `json:"conversationId"`
	Text            string                   `json:"text"`
	ClientMessageID string                   `json:"clientMessageId"`
	Screenshot      *model.ScreenshotContext `json:"screenshot,omitempty"`
}

// MessageExchange 是一次发送的结果：用户消息、助手回复以及路由信息。
type MessageExchange struct {
	ConversationID   string         `json:"conversationId"`
	RoutedFrom       string         `json:"routedFrom,omitempty"`
	UserMessage      model.Message  `json:"userMessage"`
	AssistantMessage *model.Message `json:"assistantMessage,omitempty"`
	Detection        *Detection     `json:"detection,omitempty"`
	Duplicate        bool           `json:"duplicate"`
	Error            *ErrorInfo     `json:"error,omitempty"`
	Denied           *Decision      `json:"denied,omitempty"`
}

// ChatService 是消息管道：校验、额度、识别与路由、乐观写入、流式生成、收尾。
type ChatService interface {
	Send(ctx context.Context, req SendRequest, w StreamWriter) (*MessageExchange, error)
	// Stop 中止会话中正在进行的生成，已生成的内容以 interrupted 状态保留。
	Stop(userID uint, conversationID string) bool
}

type inflight struct {
	cancel    context.CancelFunc
	done      chan struct{}
	messageID string
}

type recentSend struct {
	key      string
	at       time.Time
	ready    chan struct{}
	exchange *MessageExchange
}

type chatService struct {
	store    ConversationStore
	registry GameTabRegistry
	detector GameDetector
	credits  CreditService
	llm      llm.Client
	chatCfg  config.ChatConfig
	llmCfg   config.LLMConfig
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflight
	lastSend map[string]*recentSend
	byClient map[string]*recentSend
}

// NewChatService 创建消息管道。registry、detector 与 credits 可以为 nil，对应环节会被跳过。
func NewChatService(store ConversationStore, registry GameTabRegistry, detector GameDetector, credits CreditService, llmClient llm.Client, chatCfg config.ChatConfig, llmCfg config.LLMConfig) ChatService {
	return &chatService{
		store:    store,
		registry: registry,
		detector: detector,
		credits:  credits,
		llm:      llmClient,
		chatCfg:  chatCfg,
		llmCfg:   llmCfg,
		now:      time.Now,
		inflight: make(map[string]*inflight),
		lastSend: make(map[string]*recentSend),
		byClient: make(map[string]*recentSend),
	}
}

func dedupKey(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func (s *chatService) Send(ctx context.Context, req SendRequest, w StreamWriter) (*MessageExchange, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if max := s.chatCfg.MaxMessageLength; max > 0 && len([]rune(text)) > max {
		return nil, ErrMessageTooLong
	}
	out := &safeWriter{w: w}

	conv, err := s.store.GetOrCreate(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	// 1. 重复提交
	entry, dup := s.claim(conv.ID, req.UserID, req.ClientMessageID, text)
	if dup {
		return s.awaitDuplicate(ctx, entry, out)
	}
	ex := &MessageExchange{ConversationID: conv.ID}
	keep := false
	defer func() { s.release(conv.ID, entry, ex, keep) }()

	// 2. 额度
	cost := s.chatCfg.CreditCost
	if s.credits != nil {
		decision, err := s.credits.CheckAndReserve(ctx, req.UserID, cost)
		if err != nil {
			log.Errorf("[ChatService] 额度检查失败: user=%d, error: %v", req.UserID, err)
			ex.Error = &ErrorInfo{Code: CodeCreditsUnavailable, Message: "暂时无法校验额度，请稍后重试", Retryable: true, InputEnabled: true}
			out.write(StreamEvent{Type: EventError, ConversationID: conv.ID, Error: ex.Error})
			return ex, nil
		}
		if !decision.Allowed {
			ex.Denied = &decision
			out.write(StreamEvent{Type: EventDenied, ConversationID: conv.ID, Decision: &decision})
			return ex, nil
		}
	} else {
		cost = 0
	}

	// 3. 同一会话中新的发送会中断正在进行的生成
	s.interrupt(conv.ID)

	// 4. 乐观写入用户消息
	userMsg, err := s.store.Append(ctx, conv.ID, model.Message{Role: model.RoleUser, Text: text, Status: model.StatusComplete})
	if err != nil {
		s.refund(ctx, req.UserID, cost)
		return nil, err
	}
	ex.UserMessage = userMsg
	keep = true
	out.write(StreamEvent{Type: EventUserMessage, ConversationID: conv.ID, Message: &userMsg})

	// 5. 识别与路由
	target := conv
	if s.detector != nil && conv.IsHub() {
		det := s.detector.Classify(ctx, req.UserID, text, req.Screenshot)
		ex.Detection = &det
		if routed := s.route(ctx, req.UserID, conv, &det, userMsg.ID); routed != nil {
			target = routed
			ex.RoutedFrom = conv.ID
			ex.ConversationID = routed.ID
			for _, m := range routed.Messages {
				if m.ID == userMsg.ID {
					ex.UserMessage = m
				}
			}
			s.interrupt(routed.ID)
		}
	}
	if ex.RoutedFrom != "" {
		out.write(StreamEvent{Type: EventRouted, ConversationID: target.ID, Message: &ex.UserMessage, Conversation: target, Detection: ex.Detection})
	}

	// 6. 占位助手消息 + 流式生成
	assistant, err := s.store.Append(ctx, target.ID, model.Message{Role: model.RoleAssistant, Status: model.StatusStreaming})
	if err != nil {
		s.refund(ctx, req.UserID, cost)
		ex.Error = classifyError(err)
		out.write(StreamEvent{Type: EventError, ConversationID: target.ID, Error: ex.Error})
		return ex, nil
	}
	out.write(StreamEvent{Type: EventAssistantStarted, ConversationID: target.ID, MessageID: assistant.ID, Message: &assistant})

	final, streamErr := s.stream(ctx, target, assistant.ID, req.Screenshot, out)
	ex.AssistantMessage = &final

	// 7. 收尾
	switch {
	case streamErr == nil:
		out.write(StreamEvent{Type: EventCompletion, ConversationID: target.ID, MessageID: final.ID, Message: &final})
	case final.Status == model.StatusInterrupted:
		out.write(StreamEvent{Type: EventCompletion, ConversationID: target.ID, MessageID: final.ID, Message: &final})
	default:
		keep = false
		s.refund(ctx, req.UserID, cost)
		ex.Error = classifyError(streamErr)
		log.Warnf("[ChatService] 生成失败: conversation=%s, code=%s, error: %v", target.ID, ex.Error.Code, streamErr)
		out.write(StreamEvent{Type: EventError, ConversationID: target.ID, MessageID: final.ID, Message: &final, Error: ex.Error})
	}
	return ex, nil
}

// route 在高置信度识别时把用户消息迁移到对应的游戏标签页。识别或迁移失败都留在大厅。
func (s *chatService) route(ctx context.Context, userID uint, hub *model.Conversation, det *Detection, messageID string) *model.Conversation {
	if det.Confidence != ConfidenceHigh || det.Identity == nil || s.registry == nil {
		return nil
	}

	var (
		tab *model.Conversation
		err error
	)
	if det.Identity.ConversationID != "" {
		tab, err = s.store.Get(ctx, userID, det.Identity.ConversationID)
	} else {
		tab, _, err = s.registry.Resolve(ctx, userID, *det.Identity)
	}
	if err != nil {
		log.Warnf("[ChatService] 游戏标签页解析失败，留在大厅: user=%d, game=%s, error: %v", userID, det.Identity.Name, err)
		return nil
	}

	if _, err := s.store.Move(ctx, hub.ID, tab.ID, messageID); err != nil {
		log.Warnf("[ChatService] 迁移消息失败，留在大厅: %s -> %s, error: %v", hub.ID, tab.ID, err)
		return nil
	}
	if moved, err := s.store.Get(ctx, userID, tab.ID); err == nil {
		tab = moved
	}
	log.Infof("[ChatService] 消息已路由到游戏标签页: user=%d, game=%s, conversation=%s", userID, tab.GameName, tab.ID)
	return tab
}

// stream 调用模型并把增量写入助手消息，返回收尾后的消息。
// 生成不受请求 ctx 取消的影响（客户端离开后仍会完成并保存），只会被 interrupt/Stop 中止。
func (s *chatService) stream(ctx context.Context, conv *model.Conversation, messageID string, shot *model.ScreenshotContext, out *safeWriter) (model.Message, error) {
	bg := context.WithoutCancel(ctx)
	var (
		streamCtx context.Context
		cancel    context.CancelFunc
	)
	if s.llmCfg.Timeout > 0 {
		streamCtx, cancel = context.WithTimeout(bg, s.llmCfg.Timeout)
	} else {
		streamCtx, cancel = context.WithCancel(bg)
	}
	fl := &inflight{cancel: cancel, done: make(chan struct{}), messageID: messageID}
	s.mu.Lock()
	s.inflight[conv.ID] = fl
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		if s.inflight[conv.ID] == fl {
			delete(s.inflight, conv.ID)
		}
		s.mu.Unlock()
		close(fl.done)
	}()

	msgs, err := s.composeMessages(bg, conv, messageID, shot)
	if err == nil {
		err = s.llm.StreamChatMessages(streamCtx, msgs, llm.ParamsFromConfig(s.llmCfg.Generation), func(delta string) error {
			if _, perr := s.store.Patch(bg, conv.ID, messageID, delta); perr != nil {
				return errSuperseded
			}
			out.write(StreamEvent{Type: EventChunk, ConversationID: conv.ID, MessageID: messageID, Chunk: delta})
			return nil
		})
	}

	status, code := model.StatusComplete, ""
	switch {
	case err == nil:
	case errors.Is(err, errSuperseded) || errors.Is(streamCtx.Err(), context.Canceled):
		status = model.StatusInterrupted
	default:
		status = model.StatusFailed
		code = classifyError(err).Code
	}

	final, ferr := s.store.Finalize(bg, conv.ID, messageID, status, code)
	if ferr != nil {
		log.Errorf("[ChatService] 结束助手消息失败: conversation=%s, message=%s, error: %v", conv.ID, messageID, ferr)
	}
	if status == model.StatusInterrupted {
		log.Infof("[ChatService] 生成已中断: conversation=%s, message=%s", conv.ID, messageID)
		return final, context.Canceled
	}
	return final, err
}

// interrupt 取消会话中正在进行的生成，并等待其收尾完成。
func (s *chatService) interrupt(conversationID string) {
	s.mu.Lock()
	fl := s.inflight[conversationID]
	s.mu.Unlock()
	if fl == nil {
		return
	}
	fl.cancel()
	select {
	case <-fl.done:
	case <-time.After(5 * time.Second):
		log.Warnf("[ChatService] 等待中断的生成结束超时: conversation=%s", conversationID)
	}
}

func (s *chatService) Stop(userID uint, conversationID string) bool {
	if conversationID == "" {
		conversationID = model.HubID(userID)
	}
	if _, err := s.store.Get(context.Background(), userID, conversationID); err != nil {
		return false
	}
	s.mu.Lock()
	_, ok := s.inflight[conversationID]
	s.mu.Unlock()
	if ok {
		s.interrupt(conversationID)
	}
	return ok
}

// claim 登记一次发送。相同的 clientMessageId，或窗口期内同一会话的相同文本，返回已有登记。
func (s *chatService) claim(conversationID string, userID uint, clientID, text string) (*recentSend, bool) {
	now := s.now()
	key := dedupKey(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.byClient {
		if now.Sub(e.at) > time.Hour {
			delete(s.byClient, id)
		}
	}
	clientKey := ""
	if clientID != "" {
		clientKey = fmt.Sprintf("%d:%s", userID, clientID)
		if e, ok := s.byClient[clientKey]; ok {
			return e, true
		}
	}
	if e, ok := s.lastSend[conversationID]; ok && e.key == key && now.Sub(e.at) <= s.chatCfg.DedupWindow {
		return e, true
	}

	e := &recentSend{key: key, at: now, ready: make(chan struct{})}
	s.lastSend[conversationID] = e
	if clientKey != "" {
		s.byClient[clientKey] = e
	}
	return e, false
}

// release 记录发送结果。被拒绝或失败的发送不参与去重，用户可以立即重试。
func (s *chatService) release(conversationID string, e *recentSend, ex *MessageExchange, keep bool) {
	s.mu.Lock()
	e.exchange = ex
	if !keep {
		if s.lastSend[conversationID] == e {
			delete(s.lastSend, conversationID)
		}
		for id, v := range s.byClient {
			if v == e {
				delete(s.byClient, id)
			}
		}
	}
	s.mu.Unlock()
	close(e.ready)
}

func (s *chatService) awaitDuplicate(ctx context.Context, e *recentSend, out *safeWriter) (*MessageExchange, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	orig := e.exchange
	s.mu.Unlock()
	if orig == nil {
		return nil, ErrEmptyMessage
	}
	dup := *orig
	dup.Duplicate = true
	log.Infof("[ChatService] 忽略重复发送: conversation=%s", dup.ConversationID)
	out.write(StreamEvent{Type: EventDuplicate, ConversationID: dup.ConversationID, Message: &dup.UserMessage})
	return &dup, nil
}

func (s *chatService) refund(ctx context.Context, userID uint, cost int) {
	if s.credits == nil || cost <= 0 {
		return
	}
	if err := s.credits.Refund(context.WithoutCancel(ctx), userID, cost); err != nil {
		log.Errorf("[ChatService] 退还额度失败: user=%d, error: %v", userID, err)
	}
}

func (s *chatService) buildSystemMessage(conv *model.Conversation, shot *model.ScreenshotContext) string {
	var sys strings.Builder
	if rules := s.llmCfg.Prompt.Rules; rules != "" {
		sys.WriteString(rules)
	}
	if !conv.IsHub() && conv.GameName != "" {
		tmpl := s.llmCfg.Prompt.GameContext
		if !strings.Contains(tmpl, "%s") {
			tmpl = "The player is asking about %s."
		}
		if sys.Len() > 0 {
			sys.WriteString("\n\n")
		}
		sys.WriteString(fmt.Sprintf(tmpl, conv.GameName))
		if conv.Unreleased {
			sys.WriteString(" The game has not been released yet.")
		}
	}
	if shot != nil && strings.TrimSpace(shot.Text) != "" {
		if sys.Len() > 0 {
			sys.WriteString("\n\n")
		}
		sys.WriteString("Text extracted from the player's screenshot:\n")
		sys.WriteString(shot.Text)
	}
	return sys.String()
}

// composeMessages 组装 system 消息与最近的历史。历史中已包含本次的用户消息。
func (s *chatService) composeMessages(ctx context.Context, conv *model.Conversation, assistantID string, shot *model.ScreenshotContext) ([]llm.Message, error) {
	history, err := s.store.List(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	var turns []llm.Message
	for _, m := range history {
		if m.ID == assistantID {
			continue
		}
		if m.Role == model.RoleAssistant && (m.Text == "" || m.Status == model.StatusStreaming) {
			continue
		}
		turns = append(turns, llm.Message{Role: string(m.Role), Content: m.Text})
	}
	if limit := s.chatCfg.HistoryLimit; limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	msgs := make([]llm.Message, 0, len(turns)+1)
	if sys := s.buildSystemMessage(conv, shot); sys != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: sys})
	}
	return append(msgs, turns...), nil
}

// classifyError 把底层错误映射为客户端可展示的错误码。
func classifyError(err error) *ErrorInfo {
	info := &ErrorInfo{Code: CodeBackendUnavailable, Message: "AI 服务暂时不可用，请稍后重试", Retryable: true, InputEnabled: true}

	var apiErr *llm.APIError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		info.Code, info.Message = CodeTimeout, "AI 响应超时，请重试"
	case errors.Is(err, context.Canceled):
		info.Code, info.Message = CodeCanceled, "请求已取消"
	case errors.Is(err, llm.ErrMalformedResponse):
		info.Code, info.Message = CodeMalformedResponse, "AI 返回了无法解析的内容，请重试"
	case errors.As(err, &apiErr):
		switch {
		case apiErr.IsRateLimit():
			info.Code, info.Message = CodeRateLimited, "请求过于频繁，请稍后再试"
		case apiErr.IsRetryable():
		default:
			info.Code, info.Message, info.Retryable = CodeBackendRejected, "AI 服务拒绝了该请求", false
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		info.Code, info.Message = CodeTimeout, "AI 响应超时，请重试"
	}
	return info
}

// safeWriter 在第一次写失败后停止推送，生成继续在后台完成。
type safeWriter struct {
	mu   sync.Mutex
	w    StreamWriter
	dead bool
}

func (sw *safeWriter) write(ev StreamEvent) {
	if sw.w == nil {
		return
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.dead {
		return
	}
	ev.Timestamp = time.Now().UnixMilli()
	if err := sw.w.WriteEvent(ev); err != nil {
		sw.dead = true
		log.Warnf("[ChatService] 客户端推送失败，生成将在后台完成: %v", err)
	}
}
