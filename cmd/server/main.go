package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-room-state-sync/internal"
	"github.com/koopa0/system-design/14-room-state-sync/pkg/logger"
)

func main() {
	// 載入配置
	config, err := internal.LoadConfig("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	if err := logger.Init(config.Log.Level, config.Log.Format, "stdout", false); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithContext(context.Background())

	// 連接 Redis：指令與訂閱各一條連線
	// 訂閱模式的連線不能再下一般指令，所以必須分開
	cmdClient := newRedisClient(config)
	subClient := newRedisClient(config)

	ctx := context.Background()
	if err := cmdClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	// 創建引擎和處理器
	engine := internal.NewEngine(cmdClient, subClient, config, log)
	handler := internal.NewHandler(engine, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", config.Server.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		// 給予 30 秒時間完成當前請求
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// 關閉 HTTP 伺服器
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			// 強制關閉伺服器
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}

		// 釋放引擎的兩條儲存連線
		if err := engine.Disconnect(); err != nil {
			log.Error("failed to disconnect engine", "error", err)
		}
	}

	log.Info("server stopped")
}

// newRedisClient 依配置建立 Redis 客戶端
func newRedisClient(config *internal.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         config.Redis.Addr,
		Password:     config.Redis.Password,
		DB:           config.Redis.DB,
		PoolSize:     config.Redis.PoolSize,
		MinIdleConns: config.Redis.MinIdleConns,
		MaxRetries:   config.Redis.MaxRetries,
		ReadTimeout:  config.Redis.ReadTimeout,
		WriteTimeout: config.Redis.WriteTimeout,
	})
}
