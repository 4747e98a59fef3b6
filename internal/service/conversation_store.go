package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gamehub-go/internal/model"
	"gamehub-go/internal/repository"
	"gamehub-go/pkg/log"
	"gamehub-go/pkg/realtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrConversationNotFound 会话不存在或不属于当前用户。
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrPatchTarget 只能向最新的、仍在流式输出的助手消息追加内容。
	ErrPatchTarget = errors.New("message is not the latest streaming assistant message")
	// ErrMessageNotFound 消息不存在。
	ErrMessageNotFound = errors.New("message not found")
	// ErrStoreUnavailable 持久层不可达，且内存中没有该会话。
	ErrStoreUnavailable = errors.New("conversation store unavailable")
	// ErrMessageStreaming 流式输出中的消息不能迁移。
	ErrMessageStreaming = errors.New("message is still streaming")
)

// ConversationStore 是会话与消息状态的唯一修改入口。
// 内存状态立即生效，持久化通过 OperationSubmitter 异步完成。
type ConversationStore interface {
	GetOrCreate(ctx context.Context, userID uint, conversationID string) (*model.Conversation, error)
	Get(ctx context.Context, userID uint, conversationID string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error)
	FindGame(ctx context.Context, userID uint, gameKey string) (*model.Conversation, error)
	Conversations(ctx context.Context, userID uint) ([]model.Conversation, error)

	Append(ctx context.Context, conversationID string, msg model.Message) (model.Message, error)
	Patch(ctx context.Context, conversationID, messageID, delta string) (model.Message, error)
	Finalize(ctx context.Context, conversationID, messageID string, status model.MessageStatus, errorCode string) (model.Message, error)
	List(ctx context.Context, conversationID string) ([]model.Message, error)
	Move(ctx context.Context, fromID, toID string, messageIDs ...string) (int, error)
	Reconcile(ctx context.Context, conversationID string) error

	SaveSubTab(ctx context.Context, subTab model.SubTab) (model.SubTab, error)
	SubTabs(ctx context.Context, conversationID string) ([]model.SubTab, error)

	// EvictIdle 从内存中移除空闲超过 idle 且没有流式输出的会话，返回移除数量。
	EvictIdle(idle time.Duration) int
	// RunJanitor 定期调用 EvictIdle，直到 ctx 结束。idle <= 0 时直接返回。
	RunJanitor(ctx context.Context, idle time.Duration)
}

type conversationState struct {
	conv     model.Conversation
	messages []model.Message
	subTabs  []model.SubTab
	nextSeq  int
	// lastUsed 是最近一次访问的 UnixNano，读锁下也会更新
	lastUsed atomic.Int64
}

func (st *conversationState) streaming() bool {
	for i := len(st.messages) - 1; i >= 0; i-- {
		if st.messages[i].Status == model.StatusStreaming {
			return true
		}
	}
	return false
}

func (st *conversationState) lastCreatedAt() time.Time {
	if n := len(st.messages); n > 0 {
		return st.messages[n-1].CreatedAt
	}
	return time.Time{}
}

// place 为即将追加的消息分配序号和时间，保证 CreatedAt 顺序与 Sequence 顺序一致。
func (st *conversationState) place(msg *model.Message, now time.Time) {
	msg.ConversationID = st.conv.ID
	msg.Sequence = st.nextSeq
	st.nextSeq++
	if last := st.lastCreatedAt(); !now.After(last) {
		now = last.Add(time.Millisecond)
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now
}

func (st *conversationState) indexOf(messageID string) int {
	for i := range st.messages {
		if st.messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

type conversationStore struct {
	mu     sync.RWMutex
	states map[string]*conversationState

	repo      repository.ConversationRepository
	submitter OperationSubmitter
	publisher realtime.Publisher
	origin    string
	now       func() time.Time
}

// NewConversationStore 创建会话存储。publisher 为 nil 时不推送实时事件。
func NewConversationStore(repo repository.ConversationRepository, submitter OperationSubmitter, publisher realtime.Publisher) ConversationStore {
	if publisher == nil {
		publisher = realtime.Nop{}
	}
	return &conversationStore{
		states:    make(map[string]*conversationState),
		repo:      repo,
		submitter: submitter,
		publisher: publisher,
		origin:    uuid.NewString(),
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// BacklogSource 提供尚未写入持久层的操作。SyncService 实现了该接口。
type BacklogSource interface {
	Backlog(ctx context.Context) ([]model.PendingOperation, error)
}

// backlog 返回待写入的操作，读取失败时返回已读到的部分。
func (s *conversationStore) backlog(ctx context.Context) []model.PendingOperation {
	src, ok := s.submitter.(BacklogSource)
	if !ok {
		return nil
	}
	ops, err := src.Backlog(ctx)
	if err != nil {
		log.Warnf("[ConversationStore] 读取同步队列失败: %v", err)
	}
	return ops
}

// pendingConversations 返回同步队列中尚未落库的会话。
func pendingConversations(ops []model.PendingOperation) map[string]model.Conversation {
	out := make(map[string]model.Conversation)
	for _, op := range ops {
		if op.Kind != model.OpSaveConversation {
			continue
		}
		var conv model.Conversation
		if err := json.Unmarshal(op.Payload, &conv); err == nil && conv.ID != "" {
			out[conv.ID] = conv
		}
	}
	return out
}

// load 从持久层读取会话，并叠加同步队列中尚未落库的操作，调用方不能持有锁。
func (s *conversationStore) load(ctx context.Context, conversationID string) (*conversationState, error) {
	ops := s.backlog(ctx)

	conv, err := s.repo.FindConversation(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		pending, ok := pendingConversations(ops)[conversationID]
		if !ok {
			return nil, ErrConversationNotFound
		}
		conv = &pending
	}
	messages, err := s.repo.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	subTabs, err := s.repo.ListSubTabs(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	st := &conversationState{conv: *conv, messages: messages, subTabs: subTabs, nextSeq: 1}
	st.applyBacklog(ops)
	if n := len(st.messages); n > 0 {
		st.nextSeq = st.messages[n-1].Sequence + 1
	}
	return st, nil
}

// applyBacklog 按入队顺序把待写入的操作叠加到持久层读出的状态上。
func (st *conversationState) applyBacklog(ops []model.PendingOperation) {
	id := st.conv.ID
	upsertMessage := func(m model.Message) {
		if i := st.indexOf(m.ID); i >= 0 {
			st.messages[i] = m
			return
		}
		st.messages = append(st.messages, m)
	}

	for _, op := range ops {
		switch op.Kind {
		case model.OpSaveConversation:
			var conv model.Conversation
			if json.Unmarshal(op.Payload, &conv) == nil && conv.ID == id {
				st.conv = conv
			}
		case model.OpSaveMessage:
			var m model.Message
			if json.Unmarshal(op.Payload, &m) == nil && m.ConversationID == id {
				upsertMessage(m)
			}
		case model.OpMoveMessages:
			var p model.MoveMessagesPayload
			if json.Unmarshal(op.Payload, &p) != nil {
				continue
			}
			if p.FromConversationID == id {
				moved := make(map[string]bool, len(p.Messages))
				for _, m := range p.Messages {
					moved[m.ID] = true
				}
				kept := st.messages[:0]
				for _, m := range st.messages {
					if !moved[m.ID] {
						kept = append(kept, m)
					}
				}
				st.messages = kept
			}
			if p.ToConversationID == id {
				for _, m := range p.Messages {
					upsertMessage(m)
				}
			}
		case model.OpSaveSubTab:
			var t model.SubTab
			if json.Unmarshal(op.Payload, &t) != nil || t.ConversationID != id {
				continue
			}
			replaced := false
			for i := range st.subTabs {
				if st.subTabs[i].ID == t.ID {
					st.subTabs[i] = t
					replaced = true
				}
			}
			if !replaced {
				st.subTabs = append(st.subTabs, t)
			}
		}
	}

	sort.SliceStable(st.messages, func(i, j int) bool { return st.messages[i].Sequence < st.messages[j].Sequence })
	sort.SliceStable(st.subTabs, func(i, j int) bool { return st.subTabs[i].Position < st.subTabs[j].Position })
}

// state 返回内存中的会话，未命中时从持久层加载。
func (s *conversationStore) state(ctx context.Context, conversationID string) (*conversationState, error) {
	s.mu.RLock()
	st, ok := s.states[conversationID]
	s.mu.RUnlock()
	if ok {
		st.lastUsed.Store(s.now().UnixNano())
		return st, nil
	}

	loaded, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// 并发加载时以先写入的为准
	if st, ok := s.states[conversationID]; ok {
		st.lastUsed.Store(s.now().UnixNano())
		return st, nil
	}
	loaded.lastUsed.Store(s.now().UnixNano())
	s.states[conversationID] = loaded
	return loaded, nil
}

func (s *conversationStore) EvictIdle(idle time.Duration) int {
	cutoff := s.now().Add(-idle).UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, st := range s.states {
		if st.lastUsed.Load() > cutoff || st.streaming() {
			continue
		}
		delete(s.states, id)
		evicted++
	}
	return evicted
}

func (s *conversationStore) RunJanitor(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		return
	}
	interval := idle / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictIdle(idle); n > 0 {
				log.Infof("[ConversationStore] 已回收 %d 个空闲会话", n)
			}
		}
	}
}

func snapshot(st *conversationState) *model.Conversation {
	conv := st.conv
	conv.Messages = append([]model.Message(nil), st.messages...)
	conv.SubTabs = append([]model.SubTab(nil), st.subTabs...)
	return &conv
}

func (s *conversationStore) GetOrCreate(ctx context.Context, userID uint, conversationID string) (*model.Conversation, error) {
	hubID := model.HubID(userID)
	if conversationID == "" {
		conversationID = hubID
	}

	conv, err := s.Get(ctx, userID, conversationID)
	if err == nil || !errors.Is(err, ErrConversationNotFound) || conversationID != hubID {
		return conv, err
	}

	return s.CreateConversation(ctx, model.Conversation{
		ID:     hubID,
		UserID: userID,
		Kind:   model.KindHub,
		Title:  model.HubTitle,
	})
}

func (s *conversationStore) Get(ctx context.Context, userID uint, conversationID string) (*model.Conversation, error) {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st.conv.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return snapshot(st), nil
}

// CreateConversation 注册一个新会话。ID 已存在时返回已有会话。
func (s *conversationStore) CreateConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := s.now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	conv.Messages = nil
	conv.SubTabs = nil

	s.mu.Lock()
	if st, ok := s.states[conv.ID]; ok {
		defer s.mu.Unlock()
		return snapshot(st), nil
	}
	st := &conversationState{conv: conv, nextSeq: 1}
	st.lastUsed.Store(now.UnixNano())
	s.states[conv.ID] = st
	out := snapshot(st)
	s.mu.Unlock()

	s.persist(ctx, model.OpSaveConversation, conv)
	s.publish(ctx, realtime.Event{Type: realtime.EventConversation, UserID: conv.UserID, ConversationID: conv.ID, Conversation: out})
	log.Infof("[ConversationStore] 创建会话: id=%s, user=%d, kind=%s", conv.ID, conv.UserID, conv.Kind)
	return out, nil
}

// FindGame 按规范化的游戏键查找用户的游戏会话，先查内存再查持久层。
func (s *conversationStore) FindGame(ctx context.Context, userID uint, gameKey string) (*model.Conversation, error) {
	s.mu.RLock()
	for _, st := range s.states {
		if st.conv.UserID == userID && st.conv.GameKey != nil && *st.conv.GameKey == gameKey {
			out := snapshot(st)
			s.mu.RUnlock()
			return out, nil
		}
	}
	s.mu.RUnlock()

	conv, err := s.repo.FindByGameKey(ctx, userID, gameKey)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		for _, c := range pendingConversations(s.backlog(ctx)) {
			if c.UserID == userID && c.GameKey != nil && *c.GameKey == gameKey {
				return s.Get(ctx, userID, c.ID)
			}
		}
		return nil, ErrConversationNotFound
	}
	return s.Get(ctx, userID, conv.ID)
}

// Conversations 返回用户的所有标签页：大厅在前，其余按创建时间排序。
// 持久层不可达时只返回内存中的会话。
func (s *conversationStore) Conversations(ctx context.Context, userID uint) ([]model.Conversation, error) {
	byID := make(map[string]model.Conversation)
	durable, err := s.repo.ListConversations(ctx, userID)
	if err != nil {
		log.Warnf("[ConversationStore] 读取会话列表失败，使用内存数据: user=%d, error: %v", userID, err)
	}
	for _, c := range durable {
		byID[c.ID] = c
	}
	for id, c := range pendingConversations(s.backlog(ctx)) {
		if c.UserID == userID {
			byID[id] = c
		}
	}

	s.mu.RLock()
	for id, st := range s.states {
		if st.conv.UserID == userID {
			conv := st.conv
			conv.Messages = nil
			conv.SubTabs = nil
			byID[id] = conv
		}
	}
	s.mu.RUnlock()

	out := make([]model.Conversation, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsHub() != out[j].IsHub() {
			return out[i].IsHub()
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Append 在会话末尾追加消息。消息 ID 已存在时原样返回已有消息。
func (s *conversationStore) Append(ctx context.Context, conversationID string, msg model.Message) (model.Message, error) {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	if msg.ID != "" {
		if i := st.indexOf(msg.ID); i >= 0 {
			existing := st.messages[i]
			s.mu.Unlock()
			return existing, nil
		}
	} else {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = model.StatusComplete
	}
	st.place(&msg, s.now())
	st.messages = append(st.messages, msg)
	userID := st.conv.UserID
	s.mu.Unlock()

	s.persist(ctx, model.OpSaveMessage, msg)
	s.publish(ctx, realtime.Event{Type: realtime.EventMessageAppended, UserID: userID, ConversationID: conversationID, Message: &msg})
	return msg, nil
}

// Patch 向最新的 streaming 助手消息追加文本。流式片段只更新内存，由 Finalize 统一持久化。
func (s *conversationStore) Patch(ctx context.Context, conversationID, messageID, delta string) (model.Message, error) {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	target := -1
	for i := len(st.messages) - 1; i >= 0; i-- {
		if st.messages[i].Role == model.RoleAssistant {
			target = i
			break
		}
	}
	if target < 0 || st.messages[target].ID != messageID || st.messages[target].Status != model.StatusStreaming {
		s.mu.Unlock()
		return model.Message{}, ErrPatchTarget
	}
	st.messages[target].Text += delta
	st.messages[target].UpdatedAt = s.now()
	msg := st.messages[target]
	userID := st.conv.UserID
	s.mu.Unlock()

	s.publish(ctx, realtime.Event{Type: realtime.EventMessagePatched, UserID: userID, ConversationID: conversationID, Message: &model.Message{ID: messageID}, Delta: delta})
	return msg, nil
}

// Finalize 结束一条 streaming 助手消息。已结束的消息直接返回。
func (s *conversationStore) Finalize(ctx context.Context, conversationID, messageID string, status model.MessageStatus, errorCode string) (model.Message, error) {
	if status == model.StatusStreaming {
		return model.Message{}, fmt.Errorf("invalid final status %q", status)
	}
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	i := st.indexOf(messageID)
	if i < 0 {
		s.mu.Unlock()
		return model.Message{}, ErrMessageNotFound
	}
	if st.messages[i].Status != model.StatusStreaming {
		msg := st.messages[i]
		s.mu.Unlock()
		return msg, nil
	}
	st.messages[i].Status = status
	st.messages[i].ErrorCode = errorCode
	st.messages[i].UpdatedAt = s.now()
	msg := st.messages[i]
	userID := st.conv.UserID
	s.mu.Unlock()

	s.persist(ctx, model.OpSaveMessage, msg)
	s.publish(ctx, realtime.Event{Type: realtime.EventMessageFinalized, UserID: userID, ConversationID: conversationID, Message: &msg})
	return msg, nil
}

// List 返回按展示顺序排列的消息副本。
func (s *conversationStore) List(ctx context.Context, conversationID string) ([]model.Message, error) {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Message(nil), st.messages...), nil
}

// Move 把消息从一个会话迁移到另一个会话末尾，保持相对顺序。未指定 messageIDs 时迁移全部消息。
func (s *conversationStore) Move(ctx context.Context, fromID, toID string, messageIDs ...string) (int, error) {
	if fromID == toID {
		return 0, nil
	}
	from, err := s.state(ctx, fromID)
	if err != nil {
		return 0, err
	}
	to, err := s.state(ctx, toID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if from.conv.UserID != to.conv.UserID {
		s.mu.Unlock()
		return 0, ErrConversationNotFound
	}
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	var kept, moved []model.Message
	for _, m := range from.messages {
		if len(wanted) == 0 || wanted[m.ID] {
			if m.Status == model.StatusStreaming {
				s.mu.Unlock()
				return 0, ErrMessageStreaming
			}
			moved = append(moved, m)
		} else {
			kept = append(kept, m)
		}
	}
	if len(moved) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	now := s.now()
	for i := range moved {
		to.place(&moved[i], moved[i].CreatedAt)
		moved[i].UpdatedAt = now
		to.messages = append(to.messages, moved[i])
	}
	from.messages = kept
	userID := to.conv.UserID
	s.mu.Unlock()

	s.persist(ctx, model.OpMoveMessages, model.MoveMessagesPayload{
		FromConversationID: fromID,
		ToConversationID:   toID,
		Messages:           moved,
	})
	s.publish(ctx, realtime.Event{Type: realtime.EventMessagesMoved, UserID: userID, ConversationID: toID, FromID: fromID})
	log.Infof("[ConversationStore] 迁移 %d 条消息: %s -> %s", len(moved), fromID, toID)
	return len(moved), nil
}

// Reconcile 以持久层为准重建内存状态。尚未持久化的消息（仍在同步队列中）保留并排在末尾。
func (s *conversationStore) Reconcile(ctx context.Context, conversationID string) error {
	durable, err := s.load(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[conversationID]
	if !ok {
		s.states[conversationID] = durable
		return nil
	}

	known := make(map[string]int, len(durable.messages))
	for i, m := range durable.messages {
		known[m.ID] = i
	}
	for _, m := range current.messages {
		if i, ok := known[m.ID]; ok {
			// 流式输出中的消息以内存为准
			if m.Status == model.StatusStreaming {
				durable.messages[i] = m
			}
			continue
		}
		durable.messages = append(durable.messages, m)
	}
	sort.SliceStable(durable.messages, func(i, j int) bool {
		return durable.messages[i].Sequence < durable.messages[j].Sequence
	})
	if n := len(durable.messages); n > 0 && durable.messages[n-1].Sequence >= durable.nextSeq {
		durable.nextSeq = durable.messages[n-1].Sequence + 1
	}

	subTabs := make(map[string]bool, len(durable.subTabs))
	for _, t := range durable.subTabs {
		subTabs[t.ID] = true
	}
	for _, t := range current.subTabs {
		if !subTabs[t.ID] {
			durable.subTabs = append(durable.subTabs, t)
		}
	}

	current.conv = durable.conv
	current.messages = durable.messages
	current.subTabs = durable.subTabs
	current.nextSeq = durable.nextSeq
	return nil
}

// SaveSubTab 新增或更新子标签页。
func (s *conversationStore) SaveSubTab(ctx context.Context, subTab model.SubTab) (model.SubTab, error) {
	st, err := s.state(ctx, subTab.ConversationID)
	if err != nil {
		return model.SubTab{}, err
	}
	if subTab.ID == "" {
		subTab.ID = uuid.NewString()
	}
	subTab.Style = subTab.Type.Style()
	now := s.now()
	subTab.UpdatedAt = now

	s.mu.Lock()
	replaced := false
	for i := range st.subTabs {
		if st.subTabs[i].ID == subTab.ID {
			subTab.CreatedAt = st.subTabs[i].CreatedAt
			st.subTabs[i] = subTab
			replaced = true
			break
		}
	}
	if !replaced {
		subTab.CreatedAt = now
		st.subTabs = append(st.subTabs, subTab)
		sort.SliceStable(st.subTabs, func(i, j int) bool { return st.subTabs[i].Position < st.subTabs[j].Position })
	}
	userID := st.conv.UserID
	s.mu.Unlock()

	s.persist(ctx, model.OpSaveSubTab, subTab)
	s.publish(ctx, realtime.Event{Type: realtime.EventSubTab, UserID: userID, ConversationID: subTab.ConversationID, SubTab: &subTab})
	return subTab, nil
}

func (s *conversationStore) SubTabs(ctx context.Context, conversationID string) ([]model.SubTab, error) {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.SubTab(nil), st.subTabs...), nil
}

// persist 提交持久化操作。提交失败只记录日志，内存状态已生效。
func (s *conversationStore) persist(ctx context.Context, kind model.OperationKind, payload interface{}) {
	if s.submitter == nil {
		return
	}
	if err := s.submitter.Submit(ctx, kind, payload); err != nil {
		log.Errorf("[ConversationStore] 提交持久化操作失败: kind=%s, error: %v", kind, err)
	}
}

func (s *conversationStore) publish(ctx context.Context, ev realtime.Event) {
	ev.Origin = s.origin
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.Warnf("[ConversationStore] 推送实时事件失败: type=%s, error: %v", ev.Type, err)
	}
}
