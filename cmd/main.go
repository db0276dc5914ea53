package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llm-relay/core"
	"llm-relay/core/security"
	"llm-relay/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.JSONFormatter{})
	// 🔇 关闭 Gin Debug 模式输出
	gin.SetMode(gin.ReleaseMode)

	// 凭证池可选加密：配了 RELAY_SECRET_KEY 就走 AES-GCM
	var sp core.SecretProvider = core.NewNoOpSecretProvider()
	if secretKey := os.Getenv("RELAY_SECRET_KEY"); secretKey != "" {
		aes, err := security.NewAESSecretProvider(secretKey)
		if err != nil {
			log.Fatal("Invalid RELAY_SECRET_KEY: ", err)
		}
		sp = aes
	}

	cfg, err := core.LoadConfig(sp)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	// 日志落盘 + 轮转
	if cfg.LogFile != "" {
		rotator, err := core.NewLogRotator(cfg.LogFile, cfg.LogMaxMB)
		if err != nil {
			log.Fatal("Failed to open log file: ", err)
		}
		defer rotator.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}

	db, err := initDatabase(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}

	counters := core.NewGormCounterStore(db)
	dispatcher := core.NewDispatcher(core.NewUpstreamClient(), counters, log)

	var emitter *core.MetricsEmitter
	if cfg.Metrics {
		emitter = core.NewMetricsEmitter(db, log)
		defer emitter.Close()
	}

	engine := core.NewProxyEngine(cfg, dispatcher, emitter, log)

	router := gin.New()
	router.Use(gin.RecoveryWithWriter(log.Writer()))

	router.GET("/health", corsMiddleware(), handleHealth())

	admin := router.Group("/admin")
	admin.Use(corsMiddleware(), adminAuthMiddleware(cfg))
	{
		admin.GET("/stats", handleStats(db))
	}

	// 其余所有路径都交给代理：首段即 Provider
	router.NoRoute(rateLimitMiddleware(), engine.HandleProxy())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		log.Infof("🚀 Starting LLM Relay on port %d (rotation: %v, metrics: %v)",
			cfg.Port, cfg.MasterKey != "", cfg.Metrics)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	log.Info("Server exited")
}

// initDatabase 初始化数据库（轮换计数器 + 指标 sink 共用一个 SQLite）
func initDatabase(cfg *core.Config, log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error), // 只在出错时记录日志
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("Database initialized successfully")
	return db, nil
}
