package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/teslink/internal/api/handlers"
	"github.com/langchou/teslink/internal/api/tesla"
	"github.com/langchou/teslink/internal/authstate"
	"github.com/langchou/teslink/internal/config"
	"github.com/langchou/teslink/internal/repository"
	"github.com/langchou/teslink/internal/secret"
	"github.com/langchou/teslink/internal/service"
	"github.com/langchou/teslink/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Teslink", zap.String("port", cfg.ServerPort))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接数据库
	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	// 执行数据库迁移
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database migrated successfully")

	// 创建 Repository
	userRepo := repository.NewUserRepository(db)
	identityRepo := repository.NewIdentityRepository(db)
	vehicleRepo := repository.NewVehicleRepository(db)
	uow := repository.NewUnitOfWork(db)

	// OAuth state 存储
	cache, closeCache := newStateCache(ctx, cfg, logger)
	defer closeCache()
	states := authstate.NewStore(cache, cfg.StateTTL, tesla.GenerateState, logger)

	// 令牌加密
	cipher, err := secret.NewTokenCipher(cfg.TokenEncryptionKey)
	if err != nil {
		logger.Fatal("Failed to create token cipher", zap.Error(err))
	}

	// 创建 Tesla API 客户端
	oauth := tesla.NewOAuth(tesla.OAuthConfig{
		AuthHost:     cfg.TeslaAuthHost,
		ClientID:     cfg.TeslaClientID,
		ClientSecret: cfg.TeslaClientSecret,
		RedirectURI:  cfg.TeslaRedirectURI,
		Timeout:      cfg.HTTPTimeout,
	}, logger)
	teslaClient := tesla.NewClient(cfg.TeslaAPIHost, cfg.HTTPTimeout, logger)

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run(ctx)

	// 创建关联服务
	reconciler := service.NewVehicleReconciler(logger, teslaClient, vehicleRepo, uow, cipher)
	linkService := service.NewLinkService(
		logger,
		userRepo,
		identityRepo,
		vehicleRepo,
		uow,
		states,
		oauth,
		cipher,
		reconciler,
	)
	linkService.SetNotifier(wsHub)

	// 定时同步
	if cfg.SyncInterval > 0 {
		go runSyncLoop(ctx, logger, linkService, cfg.SyncInterval)
	}

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, linkService, wsHub)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 停止同步和 WebSocket
	cancel()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// newStateCache 配置 REDIS_URL 时使用 Redis，否则使用进程内缓存
func newStateCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (authstate.Cache, func()) {
	if cfg.RedisURL == "" {
		logger.Info("Using in-memory OAuth state store")
		return authstate.NewMemoryCache(), func() {}
	}

	client, err := authstate.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to connect redis", zap.Error(err))
	}
	logger.Info("Using redis OAuth state store")
	return authstate.NewRedisCache(client), func() { client.Close() }
}

// runSyncLoop 定时同步所有 active 关联
func runSyncLoop(ctx context.Context, logger *zap.Logger, links *service.LinkService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Periodic vehicle sync enabled", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := links.SyncAll(ctx)
			if err != nil {
				logger.Error("Periodic vehicle sync failed", zap.Error(err))
				continue
			}
			logger.Info("Periodic vehicle sync completed", zap.Int("changed", changed))
		}
	}
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+handlers.UserIDHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
