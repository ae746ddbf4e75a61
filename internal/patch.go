package internal

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-room-state-sync/pkg/errors"
)

// 點路徑尋址：把 "player.score" 解析成對巢狀文件的 get/set/delete。
//
// 設計考量：
//   - 設值時缺少的中間層自動補空物件（"a.b.c" 可以直接寫進空文件）
//   - 刪除時任何一層缺失都視為 miss：冪等、無副作用、不 bump 版本
//   - 提交走與 UpdateState 相同的版本遞增 / 持久化 / 通知 / 歷史管線

// PatchState 對狀態文件的單一路徑設值
//
// 房間不存在返回 NotFound（patch 不做隱式初始化，
// 對不存在的房間做部分更新通常是呼叫方的 bug）。
func (e *Engine) PatchState(ctx context.Context, roomID, path string, value any, actor string) (*RoomState, error) {
	if roomID == "" {
		return nil, apperrors.ErrInvalidRoomID
	}
	if path == "" {
		return nil, apperrors.ErrInvalidPath
	}

	for attempt := 0; attempt <= e.config.State.CASRetries; attempt++ {
		current, err := e.loadState(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, apperrors.ErrRoomNotFound
		}

		newData := cloneData(current.Data)
		setPath(newData, path, value)

		now := time.Now().UTC()
		state := &RoomState{
			RoomID:        roomID,
			Version:       current.Version + 1,
			Data:          newData,
			LastUpdatedAt: now,
			LastUpdatedBy: actor,
		}
		changes := map[string]any{path: value}
		entry := &HistoryEntry{
			RoomID:    roomID,
			Version:   state.Version,
			Changes:   changes,
			Actor:     actor,
			Timestamp: now,
		}

		result, err := e.commit(ctx, state, current.Version, entry)
		if err != nil {
			return nil, err
		}

		switch result {
		case commitOK:
			e.cacheState(state)
			e.publishStateUpdate(ctx, state, changes)
			return copyState(state), nil
		case commitConflict:
			// 其他寫入者搶先，重讀後在新版本上重套 patch
			continue
		case commitMissing:
			return nil, apperrors.ErrRoomNotFound
		case commitCorrupted:
			return nil, apperrors.ErrCorruptedState
		}
	}

	return nil, apperrors.New(apperrors.ErrCodeVersionConflict, "room state version conflict").
		WithDetails("retry budget exhausted under contention")
}

// DeleteStateKey 刪除狀態文件中的單一路徑
//
// 路徑不存在時是真正的 no-op：不寫入、不 bump 版本，
// 直接返回未變更的狀態。
func (e *Engine) DeleteStateKey(ctx context.Context, roomID, path string, actor string) (*RoomState, error) {
	if roomID == "" {
		return nil, apperrors.ErrInvalidRoomID
	}
	if path == "" {
		return nil, apperrors.ErrInvalidPath
	}

	for attempt := 0; attempt <= e.config.State.CASRetries; attempt++ {
		current, err := e.loadState(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, apperrors.ErrRoomNotFound
		}

		newData := cloneData(current.Data)
		if !deletePath(newData, path) {
			// 路徑本來就不存在：冪等，返回原狀態
			e.cacheState(current)
			return copyState(current), nil
		}

		now := time.Now().UTC()
		state := &RoomState{
			RoomID:        roomID,
			Version:       current.Version + 1,
			Data:          newData,
			LastUpdatedAt: now,
			LastUpdatedBy: actor,
		}
		changes := map[string]any{path: nil}
		entry := &HistoryEntry{
			RoomID:    roomID,
			Version:   state.Version,
			Changes:   changes,
			Actor:     actor,
			Timestamp: now,
		}

		result, err := e.commit(ctx, state, current.Version, entry)
		if err != nil {
			return nil, err
		}

		switch result {
		case commitOK:
			e.cacheState(state)
			e.publishStateUpdate(ctx, state, changes)
			return copyState(state), nil
		case commitConflict:
			continue
		case commitMissing:
			return nil, apperrors.ErrRoomNotFound
		case commitCorrupted:
			return nil, apperrors.ErrCorruptedState
		}
	}

	return nil, apperrors.New(apperrors.ErrCodeVersionConflict, "room state version conflict").
		WithDetails("retry budget exhausted under contention")
}

// setPath 沿點路徑設值，缺少或型別不符的中間層換成空物件
func setPath(data map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	node := data

	for _, segment := range segments[:len(segments)-1] {
		child, ok := node[segment].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[segment] = child
		}
		node = child
	}

	node[segments[len(segments)-1]] = value
}

// deletePath 沿點路徑刪除葉節點；任何一層缺失返回 false
func deletePath(data map[string]any, path string) bool {
	segments := strings.Split(path, ".")
	node := data

	for _, segment := range segments[:len(segments)-1] {
		child, ok := node[segment].(map[string]any)
		if !ok {
			return false
		}
		node = child
	}

	leaf := segments[len(segments)-1]
	if _, exists := node[leaf]; !exists {
		return false
	}
	delete(node, leaf)
	return true
}
