package testutils

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-state-sync/internal"
)

// DefaultTestConfig 返回測試用的預設配置
func DefaultTestConfig() *internal.Config {
	cfg := &internal.Config{}

	// Server 配置
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second

	// Redis 配置
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 2
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	// State 配置
	cfg.State.HistoryLimit = 50
	cfg.State.OpTimeout = 3 * time.Second
	cfg.State.CASRetries = 10

	// Log 配置
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	return cfg
}

// NewTestEngine 建立連到測試容器的引擎實例
//
// 每個引擎拿自己的指令 / 訂閱連線對，Disconnect 註冊在 t.Cleanup。
// 開兩個引擎就能模擬水平擴展下的跨實例並發。
func NewTestEngine(t testing.TB, env *TestEnvironment, cfg *internal.Config) *internal.Engine {
	t.Helper()

	if cfg == nil {
		cfg = DefaultTestConfig()
	}

	engine := internal.NewEngine(env.NewClient(), env.NewClient(), cfg, env.Logger)
	t.Cleanup(func() {
		_ = engine.Disconnect()
	})

	return engine
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if str, ok := body.(string); ok {
			bodyReader = strings.NewReader(str)
		} else {
			jsonBytes, err := json.Marshal(body)
			require.NoError(t, err)
			bodyReader = strings.NewReader(string(jsonBytes))
		}
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response")
}

// WaitForCondition 等待條件滿足
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for condition: %s", message)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// RunConcurrently 並發執行測試函數
func RunConcurrently(t testing.TB, concurrency int, iterations int, fn func(workerID, iteration int)) {
	t.Helper()

	done := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		workerID := i
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < iterations; j++ {
				fn(workerID, j)
			}
		}()
	}

	// 等待所有 goroutine 完成
	for i := 0; i < concurrency; i++ {
		<-done
	}
}

// AssertStateVersion 驗證房間狀態版本
func AssertStateVersion(t testing.TB, engine *internal.Engine, roomID string, expected int64) {
	t.Helper()

	ctx := context.Background()
	state, err := engine.GetState(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, state, "room %s should exist", roomID)
	require.Equal(t, expected, state.Version, "room %s should be at version %d, got %d", roomID, expected, state.Version)
}
