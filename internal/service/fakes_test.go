package service

import (
	"context"
	"encoding/json"
	"errors"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"gamehub-go/internal/repository"
	"gamehub-go/pkg/llm"
	"gamehub-go/pkg/tasks"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

var errOffline = errors.New("connection refused")

// memRepo 是 ConversationRepository 的内存实现，可以模拟断网。
type memRepo struct {
	mu       sync.Mutex
	offline  bool
	convs    map[string]model.Conversation
	messages map[string]model.Message
	subTabs  map[string]model.SubTab
	writes   int
}

func newMemRepo() *memRepo {
	return &memRepo{
		convs:    make(map[string]model.Conversation),
		messages: make(map[string]model.Message),
		subTabs:  make(map[string]model.SubTab),
	}
}

func (r *memRepo) setOffline(v bool) {
	r.mu.Lock()
	r.offline = v
	r.mu.Unlock()
}

func (r *memRepo) SaveConversation(_ context.Context, conv *model.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return errOffline
	}
	c := *conv
	c.Messages, c.SubTabs = nil, nil
	r.convs[c.ID] = c
	r.writes++
	return nil
}

func (r *memRepo) FindConversation(_ context.Context, id string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, errOffline
	}
	c, ok := r.convs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &c, nil
}

func (r *memRepo) FindByGameKey(_ context.Context, userID uint, gameKey string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, errOffline
	}
	for _, c := range r.convs {
		if c.UserID == userID && c.GameKey != nil && *c.GameKey == gameKey {
			c := c
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) ListConversations(_ context.Context, userID uint) ([]model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, errOffline
	}
	var out []model.Conversation
	for _, c := range r.convs {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) ListAllConversations(_ context.Context, userID *uint, _, _ *time.Time) ([]model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Conversation
	for _, c := range r.convs {
		if userID == nil || c.UserID == *userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) SaveMessage(_ context.Context, msg *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return errOffline
	}
	r.messages[msg.ID] = *msg
	r.writes++
	return nil
}

func (r *memRepo) MoveMessages(_ context.Context, p model.MoveMessagesPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return errOffline
	}
	for _, m := range p.Messages {
		r.messages[m.ID] = m
	}
	r.writes++
	return nil
}

func (r *memRepo) ListMessages(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, errOffline
	}
	var out []model.Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *memRepo) SaveSubTab(_ context.Context, st *model.SubTab) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return errOffline
	}
	r.subTabs[st.ID] = *st
	r.writes++
	return nil
}

func (r *memRepo) FindSubTab(_ context.Context, id string) (*model.SubTab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.subTabs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &st, nil
}

func (r *memRepo) ListSubTabs(_ context.Context, conversationID string) ([]model.SubTab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, errOffline
	}
	var out []model.SubTab
	for _, st := range r.subTabs {
		if st.ConversationID == conversationID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (r *memRepo) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return errOffline
	}
	return nil
}

// directSubmitter 同步写入持久层，用于不关心离线队列的测试。
type directSubmitter struct {
	applier OperationApplier
}

func (d directSubmitter) Submit(ctx context.Context, kind model.OperationKind, payload interface{}) error {
	raw, err := jsonRaw(payload)
	if err != nil {
		return err
	}
	return d.applier.Apply(ctx, model.PendingOperation{Kind: kind, Payload: raw})
}

func jsonRaw(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

// fakeLLM 按脚本返回分块。block 非 nil 时，发送完 chunks 后阻塞直到 ctx 取消或 block 关闭。
type fakeLLM struct {
	mu     sync.Mutex
	chunks []string
	err    error
	block  chan struct{}
	calls  [][]llm.Message
	// started 在每次调用开始时收到一个信号
	started chan struct{}
}

func (f *fakeLLM) StreamChatMessages(ctx context.Context, messages []llm.Message, _ *llm.GenerationParams, onChunk llm.ChunkHandler) error {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	chunks, err, block, started := f.chunks, f.err, f.block, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	for _, c := range chunks {
		if herr := onChunk(c); herr != nil {
			return herr
		}
	}
	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	return err
}

func (f *fakeLLM) Complete(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	var sb strings.Builder
	err := f.StreamChatMessages(ctx, messages, gen, func(d string) error {
		sb.WriteString(d)
		return nil
	})
	return sb.String(), err
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeCatalog 是游戏目录的内存实现。
type fakeCatalog struct {
	games []model.GameInfo
	err   error
}

func (c *fakeCatalog) Search(_ context.Context, query string, topK int) ([]model.GameInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	key := NormalizeGameName(query)
	var out []model.GameInfo
	for _, g := range c.games {
		if matchCatalogEntry(key, &g, 3) != matchNone {
			out = append(out, g)
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (c *fakeCatalog) SearchByVector(context.Context, []float32, int) ([]model.GameInfo, error) {
	return nil, nil
}

type fakeProducer struct {
	mu    sync.Mutex
	tasks []tasks.SubTabPopulationTask
}

func (p *fakeProducer) ProduceSubTabTask(_ context.Context, task tasks.SubTabPopulationTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

// recorder 记录推送给客户端的事件。
type recorder struct {
	mu     sync.Mutex
	events []StreamEvent
}

func (r *recorder) WriteEvent(ev StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last(eventType string) *StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			ev := r.events[i]
			return &ev
		}
	}
	return nil
}

// memCreditRepo 是 CreditRepository 的内存实现。
type memCreditRepo struct {
	mu       sync.Mutex
	balances map[uint]model.CreditBalance
	offline  bool
}

func (r *memCreditRepo) setOffline(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = v
}

func newMemCreditRepo() *memCreditRepo {
	return &memCreditRepo{balances: make(map[uint]model.CreditBalance)}
}

func (r *memCreditRepo) Get(_ context.Context, userID uint) (*model.CreditBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, errOffline
	}
	b, ok := r.balances[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &b, nil
}

func (r *memCreditRepo) Reset(_ context.Context, b *model.CreditBalance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return errOffline
	}
	r.balances[b.UserID] = *b
	return nil
}

func (r *memCreditRepo) TryConsume(_ context.Context, userID uint, cost int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return false, errOffline
	}
	b, ok := r.balances[userID]
	if !ok || b.Remaining < cost {
		return false, nil
	}
	b.Remaining -= cost
	r.balances[userID] = b
	return true, nil
}

func (r *memCreditRepo) Refund(_ context.Context, userID uint, cost int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return errOffline
	}
	b := r.balances[userID]
	b.Remaining += cost
	r.balances[userID] = b
	return nil
}

func (r *memCreditRepo) Adjust(_ context.Context, userID uint, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return errOffline
	}
	b, ok := r.balances[userID]
	if !ok {
		return nil
	}
	b.Remaining += delta
	if b.Remaining < 0 {
		b.Remaining = 0
	}
	r.balances[userID] = b
	return nil
}

// memUserRepo 是 UserRepository 的内存实现。
type memUserRepo struct {
	mu     sync.Mutex
	users  map[uint]*model.User
	nextID uint
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[uint]*model.User), nextID: 1}
}

func (r *memUserRepo) Create(u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Username == u.Username {
			return errors.New("duplicate username")
		}
	}
	u.ID = r.nextID
	r.nextID++
	u.CreatedAt = time.Now()
	c := *u
	r.users[u.ID] = &c
	return nil
}

func (r *memUserRepo) FindByUsername(username string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memUserRepo) FindByID(id uint) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *u
	return &c, nil
}

func (r *memUserRepo) Update(u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *u
	r.users[u.ID] = &c
	return nil
}

func (r *memUserRepo) UpdateTier(id uint, tier model.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	u.Tier = tier
	return nil
}

func (r *memUserRepo) FindWithPagination(offset, limit int) ([]model.User, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []model.User
	for _, u := range r.users {
		all = append(all, *u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

// memObjectStore 是对象存储的内存实现。
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memObjectStore) PutObject(_ context.Context, name string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[name] = data
	return nil
}

func (s *memObjectStore) PresignedURL(_ context.Context, name string, _ time.Duration) (string, error) {
	return "http://minio.local/" + name, nil
}

func testDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{FuzzyMaxDistance: 2, CatalogMinScore: 1, CatalogTopK: 5}
}

// harness 组装一套使用内存依赖的服务。
type harness struct {
	repo     *memRepo
	store    ConversationStore
	registry GameTabRegistry
	detector GameDetector
	credits  CreditService
	llm      *fakeLLM
	chat     ChatService
	producer *fakeProducer
}

func newHarness(catalog *fakeCatalog) *harness {
	h := &harness{repo: newMemRepo(), llm: &fakeLLM{chunks: []string{"Hello", ", ", "player"}}, producer: &fakeProducer{}}
	h.store = NewConversationStore(h.repo, directSubmitter{applier: NewPersistenceApplier(h.repo, nil)}, nil)

	var cat repository.GameCatalog
	if catalog != nil {
		cat = catalog
	}
	h.registry = NewGameTabRegistry(h.store, cat, h.producer, testDetectorConfig())
	h.detector = NewGameDetector(h.store, cat, nil, testDetectorConfig())
	h.chat = NewChatService(h.store, h.registry, h.detector, nil, h.llm, config.ChatConfig{
		HistoryLimit:     20,
		DedupWindow:      3 * time.Second,
		MaxMessageLength: 4000,
	}, config.LLMConfig{})
	return h
}
