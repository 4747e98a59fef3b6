package service

import (
	"context"
	"errors"
	"fmt"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"gamehub-go/internal/repository"
	"gamehub-go/pkg/kafka"
	"gamehub-go/pkg/log"
	"gamehub-go/pkg/tasks"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalidGame 游戏名为空、规范化后为空或超过 model.MaxNameLength。
	ErrInvalidGame = errors.New("invalid game name")
	// ErrInvalidSubTab 子标签页类型或内容不合法。
	ErrInvalidSubTab = errors.New("invalid subtab")
	// ErrSubTabNotFound 子标签页不存在。
	ErrSubTabNotFound = errors.New("subtab not found")
	// ErrNotGameConversation 大厅没有子标签页。
	ErrNotGameConversation = errors.New("conversation is not a game tab")
)

const catalogLookupTimeout = 2 * time.Second

// GameIdentity 是识别出的游戏身份。
type GameIdentity struct {
	Name       string `json:"name"`
	Genre      string `json:"genre,omitempty"`
	CoverURL   string `json:"coverUrl,omitempty"`
	Unreleased bool   `json:"unreleased"`
	// ConversationID 非空表示识别结果来自用户已有的标签页。
	ConversationID string `json:"conversationId,omitempty"`
}

// SubTabInput 是创建或更新子标签页的参数。
type SubTabInput struct {
	Type    model.SubTabType   `json:"type"`
	Name    string             `json:"name"`
	Content *string            `json:"content"`
	Status  model.SubTabStatus `json:"status"`
}

// GameTabRegistry 维护游戏身份到标签页的映射。
type GameTabRegistry interface {
	// Resolve 返回游戏对应的标签页，不存在则创建。同一规范化键永远只对应一个标签页。
	Resolve(ctx context.Context, userID uint, identity GameIdentity) (*model.Conversation, bool, error)
	// AddGame 对应客户端的 "Add Game"，会先用已有标签页和游戏目录校正拼写。
	AddGame(ctx context.Context, userID uint, name string) (*model.Conversation, bool, error)
	Tabs(ctx context.Context, userID uint) ([]model.Conversation, error)
	SubTabs(ctx context.Context, userID uint, conversationID string) ([]model.SubTab, error)
	AddSubTab(ctx context.Context, userID uint, conversationID string, in SubTabInput) (model.SubTab, error)
	UpdateSubTab(ctx context.Context, userID uint, conversationID, subTabID string, in SubTabInput) (model.SubTab, error)
}

type resolveResult struct {
	conv    *model.Conversation
	created bool
}

type gameTabRegistry struct {
	store    ConversationStore
	catalog  repository.GameCatalog
	producer kafka.Producer
	cfg      config.DetectorConfig
	group    singleflight.Group
	now      func() time.Time
}

// NewGameTabRegistry 创建标签页注册表。catalog 与 producer 均可为 nil。
func NewGameTabRegistry(store ConversationStore, catalog repository.GameCatalog, producer kafka.Producer, cfg config.DetectorConfig) GameTabRegistry {
	return &gameTabRegistry{
		store:    store,
		catalog:  catalog,
		producer: producer,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (r *gameTabRegistry) Resolve(ctx context.Context, userID uint, identity GameIdentity) (*model.Conversation, bool, error) {
	identity.Name = strings.TrimSpace(identity.Name)
	key := NormalizeGameName(identity.Name)
	if !validName(identity.Name, key) {
		return nil, false, ErrInvalidGame
	}

	v, err, _ := r.group.Do(fmt.Sprintf("%d:%s", userID, key), func() (interface{}, error) {
		conv, created, err := r.resolve(ctx, userID, key, identity)
		return resolveResult{conv: conv, created: created}, err
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(resolveResult)
	return res.conv, res.created, nil
}

func (r *gameTabRegistry) resolve(ctx context.Context, userID uint, key string, identity GameIdentity) (*model.Conversation, bool, error) {
	existing, err := r.store.FindGame(ctx, userID, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		// 无法确认是否已存在时不创建，避免产生重复标签页
		return nil, false, err
	}

	if identity.Genre == "" && identity.CoverURL == "" {
		if hit, strength := r.lookupCatalog(ctx, identity.Name); strength == matchExact {
			identity.Genre = hit.Genre
			identity.CoverURL = hit.CoverURL
			identity.Unreleased = identity.Unreleased || !hit.Released(r.now())
		}
	}

	gameKey := key
	conv, err := r.store.CreateConversation(ctx, model.Conversation{
		ID:         "game-" + uuid.NewString(),
		UserID:     userID,
		Kind:       model.KindGame,
		Title:      identity.Name,
		GameKey:    &gameKey,
		GameName:   identity.Name,
		Genre:      identity.Genre,
		CoverURL:   identity.CoverURL,
		Unreleased: identity.Unreleased,
	})
	if err != nil {
		return nil, false, err
	}
	log.Infof("[GameTabRegistry] 创建游戏标签页: user=%d, game=%s, unreleased=%t", userID, identity.Name, identity.Unreleased)

	if !conv.Unreleased {
		r.seedSubTabs(ctx, conv)
	}
	return conv, true, nil
}

// seedSubTabs 为新标签页创建默认子标签页并投递生成任务。投递失败时子标签页保持 pending。
func (r *gameTabRegistry) seedSubTabs(ctx context.Context, conv *model.Conversation) {
	ids := make([]string, 0, len(model.DefaultSubTabTypes))
	for i, t := range model.DefaultSubTabTypes {
		st, err := r.store.SaveSubTab(ctx, model.SubTab{
			ConversationID: conv.ID,
			Position:       i,
			Type:           t,
			Name:           subTabTitle(t),
			Status:         model.SubTabPending,
		})
		if err != nil {
			log.Warnf("[GameTabRegistry] 创建子标签页失败: conversation=%s, type=%s, error: %v", conv.ID, t, err)
			continue
		}
		conv.SubTabs = append(conv.SubTabs, st)
		ids = append(ids, st.ID)
	}

	if r.producer == nil || len(ids) == 0 {
		return
	}
	task := tasks.SubTabPopulationTask{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		GameName:       conv.GameName,
		SubTabIDs:      ids,
	}
	if err := r.producer.ProduceSubTabTask(ctx, task); err != nil {
		log.Warnf("[GameTabRegistry] 投递子标签页生成任务失败: conversation=%s, error: %v", conv.ID, err)
	}
}

func validName(name, key string) bool {
	return key != "" && utf8.RuneCountInString(name) <= model.MaxNameLength && utf8.RuneCountInString(key) <= model.MaxNameLength
}

func subTabTitle(t model.SubTabType) string {
	s := string(t)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// lookupCatalog 查询游戏目录，失败只记录日志。
func (r *gameTabRegistry) lookupCatalog(ctx context.Context, name string) (*model.GameInfo, matchStrength) {
	if r.catalog == nil {
		return nil, matchNone
	}
	ctx, cancel := context.WithTimeout(ctx, catalogLookupTimeout)
	defer cancel()

	hits, err := r.catalog.Search(ctx, name, r.topK())
	if err != nil {
		log.Warnf("[GameTabRegistry] 游戏目录查询失败: name=%s, error: %v", name, err)
		return nil, matchNone
	}
	return bestCatalogMatch(NormalizeGameName(name), hits, r.cfg.FuzzyMaxDistance)
}

func (r *gameTabRegistry) topK() int {
	if r.cfg.CatalogTopK > 0 {
		return r.cfg.CatalogTopK
	}
	return 5
}

func (r *gameTabRegistry) AddGame(ctx context.Context, userID uint, name string) (*model.Conversation, bool, error) {
	name = strings.TrimSpace(name)
	key := NormalizeGameName(name)
	if !validName(name, key) {
		return nil, false, ErrInvalidGame
	}

	// 已有标签页中拼写接近的直接复用
	tabs, err := r.store.Conversations(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	for i := range tabs {
		if tabs[i].GameKey != nil && fuzzyEqual(*tabs[i].GameKey, key, r.cfg.FuzzyMaxDistance) {
			conv, err := r.store.Get(ctx, userID, tabs[i].ID)
			return conv, false, err
		}
	}

	identity := GameIdentity{Name: name}
	if hit, strength := r.lookupCatalog(ctx, name); strength != matchNone {
		identity = GameIdentity{
			Name:       hit.Name,
			Genre:      hit.Genre,
			CoverURL:   hit.CoverURL,
			Unreleased: !hit.Released(r.now()),
		}
	}
	return r.Resolve(ctx, userID, identity)
}

func (r *gameTabRegistry) Tabs(ctx context.Context, userID uint) ([]model.Conversation, error) {
	// 保证大厅存在
	if _, err := r.store.GetOrCreate(ctx, userID, ""); err != nil {
		log.Warnf("[GameTabRegistry] 获取大厅失败: user=%d, error: %v", userID, err)
	}
	return r.store.Conversations(ctx, userID)
}

func (r *gameTabRegistry) gameConversation(ctx context.Context, userID uint, conversationID string) (*model.Conversation, error) {
	conv, err := r.store.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.IsHub() {
		return nil, ErrNotGameConversation
	}
	return conv, nil
}

func (r *gameTabRegistry) SubTabs(ctx context.Context, userID uint, conversationID string) ([]model.SubTab, error) {
	conv, err := r.store.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.SubTabs, nil
}

func (r *gameTabRegistry) AddSubTab(ctx context.Context, userID uint, conversationID string, in SubTabInput) (model.SubTab, error) {
	conv, err := r.gameConversation(ctx, userID, conversationID)
	if err != nil {
		return model.SubTab{}, err
	}
	if !in.Type.Valid() {
		return model.SubTab{}, fmt.Errorf("%w: unknown type %q", ErrInvalidSubTab, in.Type)
	}

	st := model.SubTab{
		ConversationID: conv.ID,
		Position:       len(conv.SubTabs),
		Type:           in.Type,
		Name:           strings.TrimSpace(in.Name),
		Status:         model.SubTabPending,
	}
	if st.Name == "" {
		st.Name = subTabTitle(in.Type)
	}
	if utf8.RuneCountInString(st.Name) > model.MaxNameLength {
		return model.SubTab{}, fmt.Errorf("%w: name too long", ErrInvalidSubTab)
	}
	if in.Content != nil {
		st.Content = *in.Content
		st.Status = model.SubTabReady
	}
	switch in.Status {
	case "":
	case model.SubTabPending, model.SubTabReady, model.SubTabFailed:
		st.Status = in.Status
	default:
		return model.SubTab{}, fmt.Errorf("%w: unknown status %q", ErrInvalidSubTab, in.Status)
	}
	return r.store.SaveSubTab(ctx, st)
}

func (r *gameTabRegistry) UpdateSubTab(ctx context.Context, userID uint, conversationID, subTabID string, in SubTabInput) (model.SubTab, error) {
	conv, err := r.gameConversation(ctx, userID, conversationID)
	if err != nil {
		return model.SubTab{}, err
	}

	var st *model.SubTab
	for i := range conv.SubTabs {
		if conv.SubTabs[i].ID == subTabID {
			st = &conv.SubTabs[i]
			break
		}
	}
	if st == nil {
		return model.SubTab{}, ErrSubTabNotFound
	}

	if name := strings.TrimSpace(in.Name); name != "" {
		if utf8.RuneCountInString(name) > model.MaxNameLength {
			return model.SubTab{}, fmt.Errorf("%w: name too long", ErrInvalidSubTab)
		}
		st.Name = name
	}
	if in.Content != nil {
		st.Content = *in.Content
		st.Status = model.SubTabReady
	}
	switch in.Status {
	case "":
	case model.SubTabPending, model.SubTabReady, model.SubTabFailed:
		st.Status = in.Status
	default:
		return model.SubTab{}, fmt.Errorf("%w: unknown status %q", ErrInvalidSubTab, in.Status)
	}
	return r.store.SaveSubTab(ctx, *st)
}
