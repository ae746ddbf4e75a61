// Package internal 實現房間狀態同步引擎的核心功能
//
// 系統設計問題：
//
//	多個後端實例如何共享、修改並觀察每個房間的即時狀態，
//	且在跨行程並發寫入下不遺失任何更新？
//
// 核心挑戰：
//  1. 跨實例正確性：沒有任何行程內鎖能保護多個行程之間的寫入
//  2. 失落更新：兩個寫入者同時讀到版本 N、同時寫入 N+1 → 其中一筆被覆蓋
//  3. 即時通知：狀態一旦提交，所有訂閱該房間的實例都要收到事件
//  4. 部分更新：巢狀文件的點路徑設值與刪除，不能整份覆蓋
//
// 設計方案：
//
//	✅ Redis 集中儲存 - 所有實例共享同一份帶版本的狀態文件
//	✅ Lua script CAS - 版本檢查 + 寫入 + 歷史記錄單次原子執行
//	✅ Pub/Sub 通知 - 提交後發布變更事件，訂閱端按房間隔離分發
//	✅ 雙連線 - 指令與訂閱各用一條連線（訂閱中的連線不能下指令）
package internal

import (
	"fmt"
	"time"
)

// RoomState 一個房間的共享狀態快照
//
// 不變量：
//   - Version 從 1 開始，每次成功變更嚴格 +1
//   - Data 頂層永遠是物件（不會是純量或陣列）
type RoomState struct {
	RoomID        string         `json:"room_id"`
	Version       int64          `json:"version"`
	Data          map[string]any `json:"data"`
	LastUpdatedAt time.Time      `json:"last_updated_at"`
	LastUpdatedBy string         `json:"last_updated_by,omitempty"`
}

// UpdateRequest 狀態更新請求
//
// Merge 為 true 時新資料與現有資料做淺層合併，否則整份取代。
type UpdateRequest struct {
	Data  map[string]any `json:"data"`
	Merge bool           `json:"merge"`
}

// HistoryEntry 一筆狀態變更歷史
type HistoryEntry struct {
	RoomID    string         `json:"room_id"`
	Version   int64          `json:"version"`
	Changes   map[string]any `json:"changes"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StateUpdate 狀態變更通知（發布到 room:{roomId}:state:updates）
type StateUpdate struct {
	RoomID    string         `json:"room_id"`
	Version   int64          `json:"version"`
	Data      map[string]any `json:"data"`
	Changes   map[string]any `json:"changes,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RoomEvent 領域事件（發布到 room:{roomId}:events）
type RoomEvent struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Redis key / channel 命名
//
// 命名必須與其他語言的實作完全一致，否則跨服務互通會失效。
func stateKey(roomID string) string {
	return fmt.Sprintf("room:%s:state", roomID)
}

func historyKey(roomID string) string {
	return fmt.Sprintf("room:%s:state:history", roomID)
}

func updatesChannel(roomID string) string {
	return fmt.Sprintf("room:%s:state:updates", roomID)
}

func eventsChannel(roomID string) string {
	return fmt.Sprintf("room:%s:events", roomID)
}

// shallowMerge 淺層合併：new 的頂層鍵覆蓋 base 的同名鍵
func shallowMerge(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// cloneData 深拷貝狀態文件
//
// 變更前先複製，避免本地快取與寫入中的文件共享巢狀 map。
func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	cloned := make(map[string]any, len(data))
	for k, v := range data {
		cloned[k] = cloneValue(v)
	}
	return cloned
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneData(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = cloneValue(item)
		}
		return cloned
	default:
		return val
	}
}

// copyState 複製一份狀態快照給呼叫方
func copyState(s *RoomState) *RoomState {
	if s == nil {
		return nil
	}
	return &RoomState{
		RoomID:        s.RoomID,
		Version:       s.Version,
		Data:          cloneData(s.Data),
		LastUpdatedAt: s.LastUpdatedAt,
		LastUpdatedBy: s.LastUpdatedBy,
	}
}
