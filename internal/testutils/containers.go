// Package testutils 提供測試用的共用工具和輔助函數
//
// 本套件實作了測試容器（testcontainers）的管理，包括：
//   - Redis 測試容器
//   - 指令 / 訂閱雙連線的建立
//   - 測試資料清理
//
// 所有測試容器都會在測試結束時自動清理。
package testutils

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// TestEnvironment 封裝測試環境
type TestEnvironment struct {
	RedisClient    *redis.Client
	RedisContainer tc.Container
	RedisAddr      string
	Logger         *slog.Logger
	ctx            context.Context
	t              testing.TB
}

// SetupTestEnvironment 設置完整的測試環境
//
// 這個函數會：
//  1. 啟動 Redis 容器
//  2. 建立指令用的 Redis 客戶端
//  3. 註冊清理函數
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupTestEnvironment(t)
//	    // 使用 env.RedisClient 或 env.NewClient()
//	}
func SetupTestEnvironment(t testing.TB) *TestEnvironment {
	t.Helper()

	ctx := context.Background()
	env := &TestEnvironment{
		ctx: ctx,
		t:   t,
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn, // 測試時減少日誌噪音
		})),
	}

	env.setupRedis(t)

	// 註冊清理
	t.Cleanup(func() {
		env.Cleanup()
	})

	return env
}

// setupRedis 啟動 Redis 測試容器
func (env *TestEnvironment) setupRedis(t testing.TB) {
	t.Helper()

	ctx := env.ctx

	// 啟動 Redis 容器
	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	env.RedisContainer = redisContainer

	// 獲取連接地址
	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.RedisAddr = endpoint

	// 建立 Redis 客戶端
	env.RedisClient = env.NewClient()

	// 驗證連接
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := env.RedisClient.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
}

// NewClient 建立一個連到測試容器的新 Redis 客戶端
//
// 引擎需要指令與訂閱各一條連線，且 Disconnect 會把它們關掉，
// 所以每個引擎實例都該拿自己的客戶端，而不是共用 env.RedisClient。
func (env *TestEnvironment) NewClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         env.RedisAddr,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
}

// Cleanup 清理測試環境
func (env *TestEnvironment) Cleanup() {
	ctx := context.Background()

	if env.RedisClient != nil {
		_ = env.RedisClient.Close()
	}

	if env.RedisContainer != nil {
		_ = env.RedisContainer.Terminate(ctx)
	}
}

// FlushRedis 清空 Redis 資料（用於測試之間的清理）
func (env *TestEnvironment) FlushRedis(t testing.TB) {
	t.Helper()

	ctx := context.Background()
	if err := env.RedisClient.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// WaitForRedis 等待 Redis 就緒
func (env *TestEnvironment) WaitForRedis(t testing.TB, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatal("timeout waiting for redis")
		case <-ticker.C:
			if err := env.RedisClient.Ping(ctx).Err(); err == nil {
				return
			}
		}
	}
}
