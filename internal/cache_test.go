package internal

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCacheOnlyEngine() *Engine {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return NewEngine(nil, nil, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// TestCacheVersionMonotonic 本地快取的版本只進不退
//
// 兩個寫入者在同一實例上競爭：先提交 v2 的 goroutine 在寫快取前
// 被排程延後，搶先重試成功的 goroutine 已經快取了 v3。
// 晚到的 v2 寫入必須被忽略，否則剛回傳過 v3 的實例
// 又從 GetState 讀出 v2。
func TestCacheVersionMonotonic(t *testing.T) {
	e := newCacheOnlyEngine()
	ctx := context.Background()

	e.cacheState(&RoomState{RoomID: "room-a", Version: 3, Data: map[string]any{"seq": float64(3)}})
	// 較舊的快照晚到
	e.cacheState(&RoomState{RoomID: "room-a", Version: 2, Data: map[string]any{"seq": float64(2)}})

	state, err := e.GetState(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Version)
	assert.Equal(t, float64(3), state.Data["seq"])

	// 新版本照常前進
	e.cacheState(&RoomState{RoomID: "room-a", Version: 4, Data: map[string]any{"seq": float64(4)}})

	state, err = e.GetState(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), state.Version)
}

// TestCacheFirstWriteAccepted 空快取接受任何版本的首次寫入
func TestCacheFirstWriteAccepted(t *testing.T) {
	e := newCacheOnlyEngine()

	e.cacheState(&RoomState{RoomID: "room-b", Version: 7, Data: map[string]any{}})

	state, err := e.GetState(context.Background(), "room-b")
	require.NoError(t, err)
	assert.Equal(t, int64(7), state.Version)
}
