package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"gamehub-go/internal/config"
	"gamehub-go/internal/middleware"
	"gamehub-go/internal/model"
	"gamehub-go/internal/repository"
	"gamehub-go/internal/service"
	"gamehub-go/pkg/database"
	"gamehub-go/pkg/llm"
	"gamehub-go/pkg/token"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoLLM 固定回复两个分块。
type echoLLM struct{}

func (echoLLM) StreamChatMessages(_ context.Context, _ []llm.Message, _ *llm.GenerationParams, onChunk llm.ChunkHandler) error {
	for _, chunk := range []string{"Hello", ", player"} {
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (echoLLM) Complete(_ context.Context, _ []llm.Message, _ *llm.GenerationParams) (string, error) {
	return "Hello, player", nil
}

type memBlacklist struct {
	mu     sync.Mutex
	tokens map[string]bool
}

func (b *memBlacklist) Add(_ context.Context, tok string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens == nil {
		b.tokens = make(map[string]bool)
	}
	b.tokens[tok] = true
	return nil
}

func (b *memBlacklist) Contains(_ context.Context, tok string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens[tok], nil
}

// directSubmitter 同步应用持久化操作。
type directSubmitter struct {
	applier service.OperationApplier
}

func (d directSubmitter) Submit(ctx context.Context, kind model.OperationKind, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return d.applier.Apply(ctx, model.PendingOperation{Kind: kind, Payload: raw})
}

type testEnv struct {
	router   *gin.Engine
	jwt      *token.JWTManager
	users    service.UserService
	userRepo repository.UserRepository
	store    service.ConversationStore
}

func newTestEnv(t *testing.T, chatCfg config.ChatConfig) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))

	detectorCfg := config.DetectorConfig{FuzzyMaxDistance: 2, CatalogMinScore: 1, CatalogTopK: 5}
	userRepo := repository.NewUserRepository(db)
	convRepo := repository.NewConversationRepository(db)
	jwtManager := token.NewJWTManager("handler-secret", 1, 7)

	store := service.NewConversationStore(convRepo, directSubmitter{applier: service.NewPersistenceApplier(convRepo, nil)}, nil)
	registry := service.NewGameTabRegistry(store, nil, nil, detectorCfg)
	detector := service.NewGameDetector(store, nil, nil, detectorCfg)
	credits := service.NewCreditService(repository.NewCreditRepository(db), userRepo, config.CreditsConfig{Free: 100, Pro: 100, Vanguard: 100}, nil)
	chat := service.NewChatService(store, registry, detector, credits, echoLLM{}, chatCfg, config.LLMConfig{})
	users := service.NewUserService(userRepo, &memBlacklist{}, jwtManager)
	admin := service.NewAdminService(userRepo, convRepo, credits)
	syncSvc := service.NewSyncService(repository.NewMemoryOperationQueue(), service.NewPersistenceApplier(convRepo, nil), convRepo, config.SyncConfig{})

	userHandler := NewUserHandler(users, credits)
	convHandler := NewConversationHandler(store, registry)
	chatHandler := NewChatHandler(chat, users, jwtManager, nil, chatCfg)
	syncHandler := NewSyncHandler(syncSvc)
	auth := middleware.AuthMiddleware(jwtManager, users)

	r := gin.New()
	api := r.Group("/api/v1")
	api.POST("/auth/refreshToken", NewAuthHandler(users).RefreshToken)
	api.POST("/users/register", userHandler.Register)
	api.POST("/users/login", userHandler.Login)
	authed := api.Group("/", auth)
	authed.GET("/users/me", userHandler.GetProfile)
	authed.POST("/users/logout", userHandler.Logout)
	authed.GET("/users/credits", NewCreditHandler(credits).Balance)
	authed.GET("/conversations", convHandler.ListTabs)
	authed.GET("/conversations/hub", convHandler.GetHub)
	authed.POST("/conversations/games", convHandler.AddGame)
	authed.GET("/conversations/:id", convHandler.GetConversation)
	authed.POST("/conversations/:id/move", convHandler.MoveMessages)
	authed.POST("/conversations/:id/reconcile", convHandler.Reconcile)
	authed.GET("/conversations/:id/subtabs", convHandler.ListSubTabs)
	authed.POST("/conversations/:id/subtabs", convHandler.AddSubTab)
	authed.PUT("/conversations/:id/subtabs/:subTabId", convHandler.UpdateSubTab)
	authed.GET("/chat/websocket-token", userHandler.ChatToken)
	authed.POST("/chat/messages", chatHandler.SendMessage)
	authed.POST("/chat/:id/stop", chatHandler.Stop)
	authed.GET("/sync/status", syncHandler.Status)
	authed.GET("/screenshots/url", NewScreenshotHandler(service.NewScreenshotService(nil, nil)).URL)
	adminGroup := api.Group("/admin", auth, middleware.AdminAuthMiddleware())
	adminHandler := NewAdminHandler(admin)
	adminGroup.GET("/users/list", adminHandler.ListUsers)
	adminGroup.PUT("/users/:userId/tier", adminHandler.SetUserTier)
	adminGroup.GET("/conversation", adminHandler.GetAllConversations)
	r.GET("/chat/:token", chatHandler.Handle)

	return &testEnv{router: r, jwt: jwtManager, users: users, userRepo: userRepo, store: store}
}

// login 注册并登录一个用户，返回 access token。
func (e *testEnv) login(t *testing.T, username string) string {
	t.Helper()
	_, err := e.users.Register(username, "password1")
	require.NoError(t, err)
	access, _, err := e.users.Login(username, "password1")
	require.NoError(t, err)
	return access
}

func (e *testEnv) loginAdmin(t *testing.T, username string) string {
	t.Helper()
	access := e.login(t, username)
	u, err := e.userRepo.FindByUsername(username)
	require.NoError(t, err)
	u.Role = "ADMIN"
	require.NoError(t, e.userRepo.Update(u))
	return access
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, accessToken string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v))
}

var defaultChatConfig = config.ChatConfig{HistoryLimit: 10, MaxMessageLength: 200, CreditCost: 1}

func (e *testEnv) gameTab(t *testing.T, accessToken, name string) model.Conversation {
	t.Helper()
	w, resp := e.do(t, http.MethodPost, "/api/v1/conversations/games", accessToken, gin.H{"name": name})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, w.Code)
	var out struct {
		Conversation model.Conversation `json:"conversation"`
	}
	decode(t, resp.Data, &out)
	return out.Conversation
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
