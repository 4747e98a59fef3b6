// Package main 是应用程序的入口点。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gamehub-go/internal/config"
	"gamehub-go/internal/handler"
	"gamehub-go/internal/middleware"
	"gamehub-go/internal/model"
	"gamehub-go/internal/pipeline"
	"gamehub-go/internal/repository"
	"gamehub-go/internal/service"
	"gamehub-go/pkg/database"
	"gamehub-go/pkg/embedding"
	"gamehub-go/pkg/es"
	"gamehub-go/pkg/kafka"
	"gamehub-go/pkg/llm"
	"gamehub-go/pkg/log"
	"gamehub-go/pkg/realtime"
	"gamehub-go/pkg/storage"
	"gamehub-go/pkg/tika"
	"gamehub-go/pkg/token"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储和游戏目录
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	// 对象存储和游戏目录不可用时相关功能关闭，聊天与标签页照常工作
	objectStore, err := storage.InitMinIO(cfg.MinIO)
	if err != nil {
		log.Warnf("MinIO 初始化失败，截图上传不可用: %v", err)
		objectStore = nil
	}
	var catalog repository.GameCatalog
	if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
		log.Warnf("es 初始化失败，游戏目录不可用: %v", err)
	} else {
		catalog = repository.NewGameCatalog(es.ESClient, cfg.Elasticsearch.IndexName)
	}
	producer := kafka.NewProducer(cfg.Kafka)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.DB)
	creditRepo := repository.NewCreditRepository(database.DB)
	blacklist := repository.NewTokenBlacklist(database.RDB)
	operationQueue := repository.NewRedisOperationQueue(database.RDB, cfg.Sync.QueueKey)

	// 5. 初始化外部客户端
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	tikaClient := tika.NewClient(cfg.Tika)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)

	var hub interface {
		realtime.Publisher
		realtime.Subscriber
	} = realtime.Nop{}
	if cfg.Realtime.Enabled {
		hub = realtime.NewRedisHub(database.RDB, cfg.Realtime.ChannelPrefix)
	}

	// 6. 初始化 Service (依赖注入)
	syncService := service.NewSyncService(operationQueue, service.NewPersistenceApplier(conversationRepo, creditRepo), conversationRepo, cfg.Sync)
	store := service.NewConversationStore(conversationRepo, syncService, hub)
	registry := service.NewGameTabRegistry(store, catalog, producer, cfg.Detector)
	detector := service.NewGameDetector(store, catalog, embeddingClient, cfg.Detector)
	creditService := service.NewCreditService(creditRepo, userRepo, cfg.Credits, syncService)
	chatService := service.NewChatService(store, registry, detector, creditService, llmClient, cfg.Chat, cfg.LLM)
	userService := service.NewUserService(userRepo, blacklist, jwtManager)
	adminService := service.NewAdminService(userRepo, conversationRepo, creditService)
	screenshotService := service.NewScreenshotService(objectStore, tikaClient)

	// 7. 先把上次退出时留在队列中的操作写入数据库，再启动后台任务：离线队列重放、子标签页生成消费者、游戏目录导入
	if n, err := syncService.Flush(rootCtx); err != nil {
		log.Warnf("启动时同步未完成，剩余操作会在加载会话时合并: applied=%d, error: %v", n, err)
	} else if n > 0 {
		log.Infof("启动时已写入 %d 条遗留操作", n)
	}
	go syncService.Run(rootCtx)
	go store.RunJanitor(rootCtx, cfg.Sync.StateIdleTTL)
	processor := pipeline.NewProcessor(store, llmClient, cfg.LLM)
	go kafka.StartConsumer(rootCtx, cfg.Kafka, processor, database.RDB)
	if catalog != nil {
		go seedCatalog(rootCtx, "initfile/games.json", es.ESClient, cfg.Elasticsearch.IndexName, embeddingClient)
	}

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	userHandler := handler.NewUserHandler(userService, creditService)
	conversationHandler := handler.NewConversationHandler(store, registry)
	chatHandler := handler.NewChatHandler(chatService, userService, jwtManager, hub, cfg.Chat)
	authMiddleware := middleware.AuthMiddleware(jwtManager, userService)

	// 9. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", handler.NewAuthHandler(userService).RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			authed := users.Group("/")
			authed.Use(authMiddleware)
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.POST("/logout", userHandler.Logout)
				authed.GET("/credits", handler.NewCreditHandler(creditService).Balance)
			}
		}

		conversations := apiV1.Group("/conversations")
		conversations.Use(authMiddleware)
		{
			conversations.GET("", conversationHandler.ListTabs)
			conversations.GET("/hub", conversationHandler.GetHub)
			conversations.POST("/games", conversationHandler.AddGame)
			conversations.GET("/:id", conversationHandler.GetConversation)
			conversations.POST("/:id/move", conversationHandler.MoveMessages)
			conversations.POST("/:id/reconcile", conversationHandler.Reconcile)
			conversations.GET("/:id/subtabs", conversationHandler.ListSubTabs)
			conversations.POST("/:id/subtabs", conversationHandler.AddSubTab)
			conversations.PUT("/:id/subtabs/:subTabId", conversationHandler.UpdateSubTab)
		}

		chatGroup := apiV1.Group("/chat")
		chatGroup.Use(authMiddleware)
		{
			chatGroup.GET("/websocket-token", userHandler.ChatToken)
			chatGroup.POST("/messages", chatHandler.SendMessage)
			chatGroup.POST("/:id/stop", chatHandler.Stop)
		}
		r.GET("/chat/:token", chatHandler.Handle)

		screenshots := apiV1.Group("/screenshots")
		screenshots.Use(authMiddleware)
		{
			screenshotHandler := handler.NewScreenshotHandler(screenshotService)
			screenshots.POST("", screenshotHandler.Upload)
			screenshots.GET("/url", screenshotHandler.URL)
		}

		syncHandler := handler.NewSyncHandler(syncService)
		apiV1.GET("/sync/status", authMiddleware, syncHandler.Status)

		admin := apiV1.Group("/admin")
		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin.Use(authMiddleware, middleware.AdminAuthMiddleware())
		{
			adminHandler := handler.NewAdminHandler(adminService)
			admin.GET("/users/list", adminHandler.ListUsers)
			admin.PUT("/users/:userId/tier", adminHandler.SetUserTier)
			admin.GET("/conversation", adminHandler.GetAllConversations)
			admin.POST("/sync/flush", syncHandler.Flush)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止后台任务，并尽量把离线队列中剩余的操作写入数据库
	cancelRoot()
	if n, err := syncService.Flush(ctx); err != nil {
		log.Warnf("停机前同步未完成: applied=%d, error: %v", n, err)
	}
	log.Info("服务已优雅关闭")
}

// seedCatalog 把 JSON 文件中的游戏写入游戏目录索引（按 ID 覆盖，幂等）。
// 配置了 embedding 时同时写入向量，供识别时做语义兜底。
func seedCatalog(ctx context.Context, path string, client *elasticsearch.Client, index string, embedder embedding.Client) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("seedCatalog: 文件 '%s' 不存在或不可用，跳过游戏目录导入", path)
		return
	}
	var games []model.GameInfo
	if err := json.Unmarshal(data, &games); err != nil {
		log.Warnf("seedCatalog: 无法解析 '%s': %v", path, err)
		return
	}

	indexed := 0
	for _, game := range games {
		if ctx.Err() != nil {
			return
		}
		if game.ID == "" || game.Name == "" {
			log.Warnf("seedCatalog: 跳过缺少 id 或 name 的条目")
			continue
		}
		if embedder != nil && len(game.Vector) == 0 {
			vec, err := embedder.CreateEmbedding(ctx, game.Name)
			if err != nil {
				log.Warnf("seedCatalog: 生成向量失败: %s, err=%v", game.Name, err)
			} else {
				game.Vector = vec
			}
		}
		if err := es.IndexGame(ctx, client, index, game); err != nil {
			log.Warnf("seedCatalog: 写入失败: %s, err=%v", game.Name, err)
			continue
		}
		indexed++
	}
	log.Infof("seedCatalog: 游戏目录导入完成，共 %d/%d 条", indexed, len(games))
}
