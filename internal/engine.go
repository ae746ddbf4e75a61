package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-room-state-sync/pkg/errors"
)

// Engine 房間狀態同步引擎
//
// 系統設計考量：
//
//  1. 跨實例並發控制：水平擴展後多個實例共享一個 Redis，
//     行程內的 mutex 保護不了跨行程的寫入。
//     正確性完全依靠 Lua script 的「讀版本 → 驗證 → 寫 N+1」原子提交。
//
//  2. 本地快取：GetState 的讀取優化而已。
//     UpdateState 做並發判斷時永遠讀儲存端的最新版本，
//     否則其他實例的更新會被漏判。
//
//  3. 雙連線：cmd 負責指令（GET/SET/DEL/PUBLISH/Lua），
//     sub 專門給 SUBSCRIBE 用。訂閱中的 Redis 連線不能再下一般指令。
type Engine struct {
	cmd      *redis.Client
	sub      *redis.Client
	notifier *Notifier
	config   *Config
	logger   *slog.Logger
	script   *redis.Script

	// 本地快取（只作讀取優化，不參與並發判斷）
	mu    sync.RWMutex
	cache map[string]*RoomState
}

// Lua 腳本：帶版本檢查的原子提交
//
// KEYS[1]: 狀態 key（room:{roomId}:state）
// KEYS[2]: 歷史 key（room:{roomId}:state:history）
// ARGV[1]: 讀取時觀察到的版本（0 表示預期 key 不存在）
// ARGV[2]: 新狀態 JSON
// ARGV[3]: 歷史紀錄 JSON
// ARGV[4]: 歷史保留筆數
//
// 返回值：
//	 1: 提交成功
//	-1: 版本衝突（當前版本 != 觀察到的版本）
//	-2: 狀態已不存在（讀取後被其他實例刪除）
//	-3: 儲存的文件無法解析
//
// 為何版本檢查必須在 Redis 端做？
//   引擎端 GET 再 SET 之間，另一個實例可能已寫入 N+1。
//   Lua script 單次執行，Redis 保證不會被其他指令穿插。
var commitScript = `
local current = redis.call('GET', KEYS[1])
local expected = tonumber(ARGV[1])

if expected == 0 then
    if current then
        return -1
    end
else
    if not current then
        return -2
    end
    local ok, doc = pcall(cjson.decode, current)
    if not ok then
        return -3
    end
    if tonumber(doc['version']) ~= expected then
        return -1
    end
end

redis.call('SET', KEYS[1], ARGV[2])
redis.call('LPUSH', KEYS[2], ARGV[3])
redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[4]) - 1)
return 1
`

// 提交結果代碼（對應 Lua 腳本返回值）
const (
	commitOK        = 1
	commitConflict  = -1
	commitMissing   = -2
	commitCorrupted = -3
)

// NewEngine 創建狀態同步引擎
//
// cmd 與 sub 必須是兩個獨立的客戶端：sub 會進入訂閱模式，
// 之後無法再執行一般指令。
func NewEngine(cmd, sub *redis.Client, config *Config, logger *slog.Logger) *Engine {
	e := &Engine{
		cmd:    cmd,
		sub:    sub,
		config: config,
		logger: logger,
		script: redis.NewScript(commitScript),
		cache:  make(map[string]*RoomState),
	}
	e.notifier = NewNotifier(sub, cmd, logger)
	return e
}

// InitializeRoomState 初始化房間狀態為 {version:1, data:{}}
//
// 房間已存在時不覆蓋，返回現有狀態（重複初始化是冪等操作，
// 覆蓋會讓正在進行中的房間版本倒退）。
func (e *Engine) InitializeRoomState(ctx context.Context, roomID string) (*RoomState, error) {
	if roomID == "" {
		return nil, apperrors.ErrInvalidRoomID
	}

	now := time.Now().UTC()
	state := &RoomState{
		RoomID:        roomID,
		Version:       1,
		Data:          map[string]any{},
		LastUpdatedAt: now,
	}
	entry := &HistoryEntry{
		RoomID:    roomID,
		Version:   1,
		Changes:   map[string]any{},
		Timestamp: now,
	}

	result, err := e.commit(ctx, state, 0, entry)
	if err != nil {
		return nil, err
	}

	switch result {
	case commitOK:
		e.cacheState(state)
		e.publishStateUpdate(ctx, state, nil)
		e.logger.Info("room state initialized", "room_id", roomID)
		return copyState(state), nil
	case commitConflict:
		// 已被初始化，回傳現有狀態
		existing, err := e.loadState(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			e.cacheState(existing)
			return copyState(existing), nil
		}
		return nil, apperrors.ErrVersionConflict
	default:
		return nil, apperrors.ErrCorruptedState
	}
}

// GetState 讀取房間狀態
//
// 本實例持有快取時直接返回快取副本，否則從儲存端讀取並填入快取。
// 房間不存在返回 (nil, nil)，不是錯誤。
func (e *Engine) GetState(ctx context.Context, roomID string) (*RoomState, error) {
	if roomID == "" {
		return nil, apperrors.ErrInvalidRoomID
	}

	e.mu.RLock()
	cached, ok := e.cache[roomID]
	e.mu.RUnlock()
	if ok {
		return copyState(cached), nil
	}

	state, err := e.loadState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, nil
	}

	e.cacheState(state)
	return copyState(state), nil
}

// UpdateState 更新房間狀態
//
// 並發判斷永遠以儲存端的當前版本為準（不看本地快取）。
//
// 規則：
//   - expectedVersion > 0 且與當前版本不符 → VersionConflict，不寫入
//   - merge=true 淺層合併，merge=false 整份取代
//   - 房間不存在時隱式初始化：更新直接併入版本 1，
//     而不是先寫空的版本 1 再疊一次變成版本 2
//   - 未指定 expectedVersion 時，內部 CAS 失敗會重讀重算再試
//     （有界重試，次數由 config.State.CASRetries 控制）
func (e *Engine) UpdateState(ctx context.Context, roomID string, req UpdateRequest, actor string, expectedVersion int64) (*RoomState, error) {
	if roomID == "" {
		return nil, apperrors.ErrInvalidRoomID
	}
	if req.Data == nil {
		return nil, apperrors.ErrEmptyData
	}

	for attempt := 0; attempt <= e.config.State.CASRetries; attempt++ {
		current, err := e.loadState(ctx, roomID)
		if err != nil {
			return nil, err
		}

		var observed int64
		var newData map[string]any
		var newVersion int64

		if current == nil {
			if expectedVersion > 0 {
				// 呼叫方預期某個版本，但房間根本不存在
				return nil, apperrors.ErrVersionConflict
			}
			observed = 0
			newVersion = 1
			newData = cloneData(req.Data)
		} else {
			if expectedVersion > 0 && expectedVersion != current.Version {
				return nil, apperrors.ErrVersionConflict
			}
			observed = current.Version
			newVersion = current.Version + 1
			if req.Merge {
				newData = shallowMerge(current.Data, cloneData(req.Data))
			} else {
				newData = cloneData(req.Data)
			}
		}

		now := time.Now().UTC()
		state := &RoomState{
			RoomID:        roomID,
			Version:       newVersion,
			Data:          newData,
			LastUpdatedAt: now,
			LastUpdatedBy: actor,
		}
		entry := &HistoryEntry{
			RoomID:    roomID,
			Version:   newVersion,
			Changes:   req.Data,
			Actor:     actor,
			Timestamp: now,
		}

		result, err := e.commit(ctx, state, observed, entry)
		if err != nil {
			return nil, err
		}

		switch result {
		case commitOK:
			e.cacheState(state)
			e.publishStateUpdate(ctx, state, req.Data)
			return copyState(state), nil
		case commitConflict, commitMissing:
			if expectedVersion > 0 {
				return nil, apperrors.ErrVersionConflict
			}
			// 其他實例搶先提交，重讀重算再試
			continue
		case commitCorrupted:
			return nil, apperrors.ErrCorruptedState
		}
	}

	return nil, apperrors.New(apperrors.ErrCodeVersionConflict, "room state version conflict").
		WithDetails("retry budget exhausted under contention")
}

// CleanupRoomState 刪除房間狀態並關閉本地訂閱
//
// 歷史紀錄保留不刪（稽核軌跡要比房間本身活得久）。
// 刪除後重新初始化或更新會從版本 1 重新開始。
func (e *Engine) CleanupRoomState(ctx context.Context, roomID string) error {
	if roomID == "" {
		return apperrors.ErrInvalidRoomID
	}

	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	if err := e.cmd.Del(opCtx, stateKey(roomID)).Err(); err != nil {
		return e.storeError(err, "delete room state")
	}

	e.mu.Lock()
	delete(e.cache, roomID)
	e.mu.Unlock()

	e.notifier.closeRoom(roomID)

	e.logger.Info("room state cleaned up", "room_id", roomID)
	return nil
}

// SubscribeToRoom 訂閱房間的狀態變更通知
func (e *Engine) SubscribeToRoom(ctx context.Context, roomID string, callback UpdateCallback) (string, error) {
	if roomID == "" {
		return "", apperrors.ErrInvalidRoomID
	}
	return e.notifier.Subscribe(ctx, roomID, callback)
}

// UnsubscribeFromRoom 取消訂閱；最後一個訂閱者離開時關閉底層 channel
func (e *Engine) UnsubscribeFromRoom(roomID, subscriptionID string) {
	e.notifier.Unsubscribe(roomID, subscriptionID)
}

// PublishRoomUpdate 發布臨時領域事件（如 player_joined）
//
// 走獨立的 room:{roomId}:events channel，與狀態差異通知分開。
func (e *Engine) PublishRoomUpdate(ctx context.Context, roomID, eventType string, payload map[string]any) error {
	if roomID == "" {
		return apperrors.ErrInvalidRoomID
	}

	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	if err := e.notifier.PublishEvent(opCtx, roomID, eventType, payload); err != nil {
		return e.storeError(err, "publish room event")
	}
	return nil
}

// Disconnect 釋放引擎持有的兩條儲存連線
func (e *Engine) Disconnect() error {
	e.notifier.Close()

	var errs []error
	if err := e.cmd.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.sub.Close(); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("engine disconnected")
	return errors.Join(errs...)
}

// Stats 獲取統計資訊
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	cachedRooms := len(e.cache)
	e.mu.RUnlock()

	return map[string]any{
		"cached_rooms":  cachedRooms,
		"subscriptions": e.notifier.SubscriptionCount(),
		"history_limit": e.config.State.HistoryLimit,
	}
}

// Ping 檢查指令連線是否存活
func (e *Engine) Ping(ctx context.Context) error {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	if err := e.cmd.Ping(opCtx).Err(); err != nil {
		return e.storeError(err, "ping store")
	}
	return nil
}

// loadState 從儲存端讀取狀態（繞過本地快取）
func (e *Engine) loadState(ctx context.Context, roomID string) (*RoomState, error) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	raw, err := e.cmd.Get(opCtx, stateKey(roomID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, e.storeError(err, "load room state")
	}

	var state RoomState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "stored room state is not valid JSON")
	}
	if state.Data == nil {
		state.Data = map[string]any{}
	}
	return &state, nil
}

// commit 原子提交：版本檢查 + 寫入狀態 + 追加歷史
func (e *Engine) commit(ctx context.Context, state *RoomState, observedVersion int64, entry *HistoryEntry) (int64, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "marshal room state")
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "marshal history entry")
	}

	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	result, err := e.script.Run(
		opCtx,
		e.cmd,
		[]string{stateKey(state.RoomID), historyKey(state.RoomID)},
		observedVersion,
		string(stateJSON),
		string(entryJSON),
		e.config.State.HistoryLimit,
	).Int64()
	if err != nil {
		return 0, e.storeError(err, "commit room state")
	}

	return result, nil
}

// publishStateUpdate 提交成功後發布變更通知
//
// 發布失敗只記日誌，絕不回滾已提交的狀態
// （狀態的持久性優先於通知送達，通知是 best-effort）。
// 用 WithoutCancel：呼叫方在提交後取消，不該讓通知跟著消失。
func (e *Engine) publishStateUpdate(ctx context.Context, state *RoomState, changes map[string]any) {
	update := &StateUpdate{
		RoomID:    state.RoomID,
		Version:   state.Version,
		Data:      state.Data,
		Changes:   changes,
		Actor:     state.LastUpdatedBy,
		Timestamp: state.LastUpdatedAt,
	}

	payload, err := json.Marshal(update)
	if err != nil {
		e.logger.Error("failed to marshal state update", "room_id", state.RoomID, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.State.OpTimeout)
	defer cancel()

	if err := e.cmd.Publish(pubCtx, updatesChannel(state.RoomID), payload).Err(); err != nil {
		e.logger.Warn("failed to publish state update",
			"room_id", state.RoomID,
			"version", state.Version,
			"error", err)
	}
}

// cacheState 更新本地快取
//
// 版本只進不退：並發提交下晚到的舊快照不能覆蓋較新的條目，
// 否則同一實例剛回傳 v3 之後 GetState 又讀到 v2。
func (e *Engine) cacheState(state *RoomState) {
	e.mu.Lock()
	if existing, ok := e.cache[state.RoomID]; !ok || state.Version >= existing.Version {
		e.cache[state.RoomID] = copyState(state)
	}
	e.mu.Unlock()
}

// opContext 套用單次操作的逾時上限
func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.State.OpTimeout)
}

// storeError 將儲存端錯誤映射為應用錯誤
func (e *Engine) storeError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, apperrors.ErrCodeTimeout, op+" timed out")
	}
	return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, op+" failed")
}
