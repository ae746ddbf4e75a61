package internal

import (
	"context"
	"encoding/json"

	apperrors "github.com/koopa0/system-design/14-room-state-sync/pkg/errors"
)

// 歷史紀錄設計：
//   - 寫入發生在提交用的 Lua 腳本裡（LPUSH + LTRIM），與狀態寫入同一次原子操作
//   - 最新的在最前面，每房間上限 K 筆（config.State.HistoryLimit）
//   - CleanupRoomState 不刪歷史：稽核軌跡要活得比房間久

// GetStateHistory 讀取房間的變更歷史，最新的在前
//
// limit <= 0 或超過配置上限時，取配置的保留筆數。
// 無法解析的紀錄跳過並記日誌，不讓單筆損壞拖垮整個查詢。
func (e *Engine) GetStateHistory(ctx context.Context, roomID string, limit int) ([]*HistoryEntry, error) {
	if roomID == "" {
		return nil, apperrors.ErrInvalidRoomID
	}
	if limit <= 0 || limit > e.config.State.HistoryLimit {
		limit = e.config.State.HistoryLimit
	}

	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	raw, err := e.cmd.LRange(opCtx, historyKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, e.storeError(err, "load state history")
	}

	entries := make([]*HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			e.logger.Error("skipping corrupted history entry", "room_id", roomID, "error", err)
			continue
		}
		entries = append(entries, &entry)
	}

	return entries, nil
}
