package internal_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-state-sync/internal"
	"github.com/koopa0/system-design/14-room-state-sync/internal/testutils"
)

// TestEngine_GetStateHistory 歷史紀錄最新在前，筆數受 limit 控制
func TestEngine_GetStateHistory(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	engine := testutils.NewTestEngine(t, env, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := engine.UpdateState(ctx, "room-history", internal.UpdateRequest{
			Data:  map[string]any{"round": float64(i)},
			Merge: true,
		}, fmt.Sprintf("actor-%d", i), 0)
		require.NoError(t, err)
	}

	t.Run("newest first", func(t *testing.T) {
		entries, err := engine.GetStateHistory(ctx, "room-history", 10)
		require.NoError(t, err)
		require.Len(t, entries, 5)

		for i, entry := range entries {
			assert.Equal(t, int64(5-i), entry.Version)
			assert.Equal(t, "room-history", entry.RoomID)
		}
		assert.Equal(t, "actor-5", entries[0].Actor)
		assert.Equal(t, float64(5), entries[0].Changes["round"])
	})

	t.Run("limit caps the result", func(t *testing.T) {
		entries, err := engine.GetStateHistory(ctx, "room-history", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(5), entries[0].Version)
		assert.Equal(t, int64(4), entries[1].Version)
	})

	t.Run("room without history returns empty", func(t *testing.T) {
		entries, err := engine.GetStateHistory(ctx, "room-no-history", 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

// TestEngine_HistoryTrimmedToLimit 超過保留筆數的最舊紀錄被裁掉
func TestEngine_HistoryTrimmedToLimit(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)

	cfg := testutils.DefaultTestConfig()
	cfg.State.HistoryLimit = 3
	engine := testutils.NewTestEngine(t, env, cfg)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		_, err := engine.UpdateState(ctx, "room-trim", internal.UpdateRequest{
			Data: map[string]any{"round": float64(i)},
		}, "actor", 0)
		require.NoError(t, err)
	}

	entries, err := engine.GetStateHistory(ctx, "room-trim", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3, "history must be trimmed to the configured cap")

	// 留下的必須是最新的三筆
	assert.Equal(t, int64(6), entries[0].Version)
	assert.Equal(t, int64(5), entries[1].Version)
	assert.Equal(t, int64(4), entries[2].Version)

	// 底層 list 也不該超過上限
	length, err := env.RedisClient.LLen(ctx, "room:room-trim:state:history").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)
}

// TestEngine_HistoryRecordsPatchAndDelete patch 與 delete 也寫入歷史
func TestEngine_HistoryRecordsPatchAndDelete(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	engine := testutils.NewTestEngine(t, env, nil)
	ctx := context.Background()

	_, err := engine.UpdateState(ctx, "room-audit", internal.UpdateRequest{
		Data: map[string]any{"player": map[string]any{"name": "x"}},
	}, "setup", 0)
	require.NoError(t, err)

	_, err = engine.PatchState(ctx, "room-audit", "player.score", float64(10), "patcher")
	require.NoError(t, err)

	_, err = engine.DeleteStateKey(ctx, "room-audit", "player.score", "cleaner")
	require.NoError(t, err)

	entries, err := engine.GetStateHistory(ctx, "room-audit", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// 最新一筆是 delete：changes 記錄被刪的路徑
	assert.Equal(t, int64(3), entries[0].Version)
	assert.Equal(t, "cleaner", entries[0].Actor)
	assert.Contains(t, entries[0].Changes, "player.score")
	assert.Nil(t, entries[0].Changes["player.score"])

	assert.Equal(t, int64(2), entries[1].Version)
	assert.Equal(t, float64(10), entries[1].Changes["player.score"])
}
