package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 系統設計問題：
//   提交到儲存端的狀態變更，如何即時分發給本實例註冊的回調？
//
// 核心挑戰：
//  1. 連線模式：Redis 連線一旦 SUBSCRIBE 就不能下一般指令 → 專用訂閱連線
//  2. 房間隔離：房間 A 的事件絕不能打到房間 B 的回調（嚴格按 channel 分發）
//  3. 資源回收：最後一個訂閱者離開時必須關掉底層訂閱，否則連線洩漏
//  4. 實例隔離：分發表是實例欄位而非套件全域，多個引擎並存（測試）互不干擾
//
// 設計方案：
//   ✅ 每個房間一條 SUBSCRIBE + 一個監聽 goroutine
//   ✅ RWMutex 保護的兩層註冊表 roomID -> subscriptionID -> callback
//   ✅ uuid 作為訂閱憑證（回調函數本身不可比較，不能當鍵）

// UpdateCallback 狀態變更通知的回調
type UpdateCallback func(update *StateUpdate)

// Notifier 變更通知中心
type Notifier struct {
	sub    *redis.Client // 訂閱模式專用連線
	cmd    *redis.Client // 指令連線（PUBLISH 用）
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*roomSubscription
	wg    sync.WaitGroup
}

// roomSubscription 單一房間的底層訂閱與本地回調
type roomSubscription struct {
	pubsub    *redis.PubSub
	callbacks map[string]UpdateCallback // subscriptionID -> callback
}

// NewNotifier 創建通知中心
func NewNotifier(sub, cmd *redis.Client, logger *slog.Logger) *Notifier {
	return &Notifier{
		sub:    sub,
		cmd:    cmd,
		logger: logger,
		rooms:  make(map[string]*roomSubscription),
	}
}

// Subscribe 註冊房間的狀態變更回調，返回訂閱 ID
//
// 房間的第一個訂閱者才真正打開底層 channel 訂閱；
// 之後的訂閱者共用同一條訂閱，只是多一筆回調登記。
func (n *Notifier) Subscribe(ctx context.Context, roomID string, callback UpdateCallback) (string, error) {
	subscriptionID := uuid.NewString()

	n.mu.Lock()
	room, exists := n.rooms[roomID]
	if exists {
		room.callbacks[subscriptionID] = callback
		n.mu.Unlock()
		return subscriptionID, nil
	}

	pubsub := n.sub.Subscribe(ctx, updatesChannel(roomID))
	room = &roomSubscription{
		pubsub:    pubsub,
		callbacks: map[string]UpdateCallback{subscriptionID: callback},
	}
	n.rooms[roomID] = room
	n.mu.Unlock()

	// 等訂閱確認，避免「訂閱返回了但還收不到訊息」的窗口
	if _, err := pubsub.Receive(ctx); err != nil {
		return "", n.dropFailedSubscriber(roomID, subscriptionID, room, err)
	}

	n.wg.Add(1)
	go n.listen(roomID, pubsub)

	n.logger.Debug("room subscription opened", "room_id", roomID)
	return subscriptionID, nil
}

// dropFailedSubscriber 處理首位訂閱者的訂閱確認失敗
//
// 等待確認期間沒有持鎖，其他訂閱者可能已登記到同一個房間條目，
// 而且已經拿著成功返回的訂閱 ID。此時只讓確認失敗的呼叫者出局：
// 房間條目與底層訂閱保留，監聽 goroutine 照常啟動。
// 沒有倖存者才拆掉整個房間。
func (n *Notifier) dropFailedSubscriber(roomID, subscriptionID string, room *roomSubscription, cause error) error {
	n.mu.Lock()
	delete(room.callbacks, subscriptionID)
	survivors := len(room.callbacks)
	if survivors == 0 && n.rooms[roomID] == room {
		delete(n.rooms, roomID)
	}
	n.mu.Unlock()

	if survivors == 0 {
		_ = room.pubsub.Close()
		return cause
	}

	n.wg.Add(1)
	go n.listen(roomID, room.pubsub)
	return cause
}

// Unsubscribe 移除回調；房間沒有剩餘回調時關閉底層訂閱
func (n *Notifier) Unsubscribe(roomID, subscriptionID string) {
	n.mu.Lock()
	room, exists := n.rooms[roomID]
	if !exists {
		n.mu.Unlock()
		return
	}

	delete(room.callbacks, subscriptionID)
	if len(room.callbacks) > 0 {
		n.mu.Unlock()
		return
	}

	delete(n.rooms, roomID)
	n.mu.Unlock()

	// Close 會讓 listen goroutine 的 Channel() 關閉而退出
	if err := room.pubsub.Close(); err != nil {
		n.logger.Warn("failed to close room subscription", "room_id", roomID, "error", err)
	}

	n.logger.Debug("room subscription closed", "room_id", roomID)
}

// PublishEvent 發布領域事件到 room:{roomId}:events
func (n *Notifier) PublishEvent(ctx context.Context, roomID, eventType string, payload map[string]any) error {
	event := &RoomEvent{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return n.cmd.Publish(ctx, eventsChannel(roomID), data).Err()
}

// SubscriptionCount 當前本地回調總數
func (n *Notifier) SubscriptionCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	count := 0
	for _, room := range n.rooms {
		count += len(room.callbacks)
	}
	return count
}

// closeRoom 關閉某房間的底層訂閱並清空回調（房間清理時用）
func (n *Notifier) closeRoom(roomID string) {
	n.mu.Lock()
	room, exists := n.rooms[roomID]
	if exists {
		delete(n.rooms, roomID)
	}
	n.mu.Unlock()

	if exists {
		if err := room.pubsub.Close(); err != nil {
			n.logger.Warn("failed to close room subscription", "room_id", roomID, "error", err)
		}
	}
}

// Close 關閉所有訂閱並等監聽 goroutine 退出
func (n *Notifier) Close() {
	n.mu.Lock()
	rooms := n.rooms
	n.rooms = make(map[string]*roomSubscription)
	n.mu.Unlock()

	for roomID, room := range rooms {
		if err := room.pubsub.Close(); err != nil {
			n.logger.Warn("failed to close room subscription", "room_id", roomID, "error", err)
		}
	}

	n.wg.Wait()
}

// listen 讀取單一房間的訂閱訊息並分發到本地回調
//
// 只分發給這個房間登記的回調（嚴格按房間隔離，不做全域廣播）。
func (n *Notifier) listen(roomID string, pubsub *redis.PubSub) {
	defer n.wg.Done()

	for msg := range pubsub.Channel() {
		var update StateUpdate
		if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
			n.logger.Error("failed to decode state update",
				"room_id", roomID,
				"channel", msg.Channel,
				"error", err)
			continue
		}

		n.mu.RLock()
		room, exists := n.rooms[roomID]
		var callbacks []UpdateCallback
		if exists {
			callbacks = make([]UpdateCallback, 0, len(room.callbacks))
			for _, cb := range room.callbacks {
				callbacks = append(callbacks, cb)
			}
		}
		n.mu.RUnlock()

		for _, cb := range callbacks {
			cb(&update)
		}
	}
}
