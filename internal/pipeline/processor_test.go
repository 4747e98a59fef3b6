package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"gamehub-go/internal/repository"
	"gamehub-go/internal/service"
	"gamehub-go/pkg/database"
	"gamehub-go/pkg/llm"
	"gamehub-go/pkg/tasks"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// scriptedLLM 按子标签页名称返回内容，名称包含 fail 时返回错误。
type scriptedLLM struct {
	mu      sync.Mutex
	prompts []string
}

func (s *scriptedLLM) StreamChatMessages(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams, onChunk llm.ChunkHandler) error {
	text, err := s.Complete(ctx, messages, gen)
	if err != nil {
		return err
	}
	return onChunk(text)
}

func (s *scriptedLLM) Complete(_ context.Context, messages []llm.Message, _ *llm.GenerationParams) (string, error) {
	prompt := messages[len(messages)-1].Content
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if strings.Contains(prompt, "fail") {
		return "", &llm.APIError{StatusCode: 500}
	}
	return "  generated: " + prompt + "  ", nil
}

type syncSubmitter struct {
	applier service.OperationApplier
}

func (s syncSubmitter) Submit(ctx context.Context, kind model.OperationKind, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.applier.Apply(ctx, model.PendingOperation{Kind: kind, Payload: raw})
}

func newTestStore(t *testing.T) (service.ConversationStore, repository.ConversationRepository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))

	repo := repository.NewConversationRepository(db)
	return service.NewConversationStore(repo, syncSubmitter{applier: service.NewPersistenceApplier(repo, nil)}, nil), repo
}

func seedTab(t *testing.T, store service.ConversationStore, names ...string) []string {
	t.Helper()
	ctx := context.Background()
	key := "hades"
	_, err := store.CreateConversation(ctx, model.Conversation{ID: "game-hades", UserID: 1, Kind: model.KindGame, Title: "Hades", GameKey: &key, GameName: "Hades"})
	require.NoError(t, err)

	var ids []string
	for i, name := range names {
		st, err := store.SaveSubTab(ctx, model.SubTab{ConversationID: "game-hades", Position: i, Type: model.SubTabTips, Name: name, Status: model.SubTabPending})
		require.NoError(t, err)
		ids = append(ids, st.ID)
	}
	return ids
}

func TestProcessFillsPendingSubTabs(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore(t)
	ids := seedTab(t, store, "Story", "Tips")
	gen := &scriptedLLM{}
	p := NewProcessor(store, gen, config.LLMConfig{Prompt: config.LLMPromptConfig{SubTab: "Write the %s section for %s."}})

	err := p.Process(ctx, tasks.SubTabPopulationTask{ConversationID: "game-hades", UserID: 1, GameName: "Hades", SubTabIDs: ids})
	require.NoError(t, err)

	subTabs, err := store.SubTabs(ctx, "game-hades")
	require.NoError(t, err)
	require.Len(t, subTabs, 2)
	for _, st := range subTabs {
		assert.Equal(t, model.SubTabReady, st.Status)
		assert.True(t, strings.HasPrefix(st.Content, "generated: Write the "))
		assert.Contains(t, st.Content, "Hades")
	}
	assert.Equal(t, "Write the story section for Hades.", gen.prompts[0])

	durable, err := repo.ListSubTabs(ctx, "game-hades")
	require.NoError(t, err)
	assert.Equal(t, model.SubTabReady, durable[0].Status)

	// 重投的任务不会重新生成
	require.NoError(t, p.Process(ctx, tasks.SubTabPopulationTask{ConversationID: "game-hades", GameName: "Hades", SubTabIDs: ids}))
	assert.Len(t, gen.prompts, 2)
}

func TestProcessMarksFailedSubTabs(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	ids := seedTab(t, store, "Walkthrough", "fail me")
	p := NewProcessor(store, &scriptedLLM{}, config.LLMConfig{})

	err := p.Process(ctx, tasks.SubTabPopulationTask{ConversationID: "game-hades", GameName: "Hades", SubTabIDs: ids})
	require.Error(t, err)
	var apiErr *llm.APIError
	assert.True(t, errors.As(err, &apiErr))

	subTabs, err := store.SubTabs(ctx, "game-hades")
	require.NoError(t, err)
	assert.Equal(t, model.SubTabReady, subTabs[0].Status)
	assert.Equal(t, model.SubTabFailed, subTabs[1].Status)
}

func TestProcessSkipsMissingConversation(t *testing.T) {
	store, _ := newTestStore(t)
	p := NewProcessor(store, &scriptedLLM{}, config.LLMConfig{})

	err := p.Process(context.Background(), tasks.SubTabPopulationTask{ConversationID: "game-gone", SubTabIDs: []string{"x"}})
	assert.NoError(t, err)
}
