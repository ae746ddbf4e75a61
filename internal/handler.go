package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/koopa0/system-design/14-room-state-sync/pkg/errors"
)

// Handler HTTP 請求處理器
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：日誌 -> 恢復 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// API 路由
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/state/init", wrap(h.initialize))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/state", wrap(h.get))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/state/update", wrap(h.update))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/state/patch", wrap(h.patch))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/state/delete-key", wrap(h.deleteKey))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/state/history", wrap(h.history))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/events", wrap(h.publishEvent))
	mux.HandleFunc("DELETE /api/v1/rooms/{room_id}/state", wrap(h.cleanup))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))

	return mux
}

// 請求和響應結構
type updateStateRequest struct {
	Data            map[string]any `json:"data"`
	Merge           bool           `json:"merge"`
	Actor           string         `json:"actor,omitempty"`
	ExpectedVersion int64          `json:"expected_version,omitempty"`
}

type patchStateRequest struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
	Actor string `json:"actor,omitempty"`
}

type deleteKeyRequest struct {
	Path  string `json:"path"`
	Actor string `json:"actor,omitempty"`
}

type publishEventRequest struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type stateResponse struct {
	Success bool       `json:"success"`
	State   *RoomState `json:"state,omitempty"`
	Error   string     `json:"error,omitempty"`
	Code    string     `json:"code,omitempty"`
}

type historyResponse struct {
	RoomID  string          `json:"room_id"`
	Entries []*HistoryEntry `json:"entries"`
}

// initialize 初始化房間狀態
func (h *Handler) initialize(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	state, err := h.engine.InitializeRoomState(r.Context(), roomID)
	if err != nil {
		h.respondAppError(w, "initialize failed", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, stateResponse{Success: true, State: state})
}

// get 讀取房間狀態
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	state, err := h.engine.GetState(r.Context(), roomID)
	if err != nil {
		h.respondAppError(w, "get state failed", err)
		return
	}
	if state == nil {
		h.respondError(w, "room state not found", apperrors.ErrCodeNotFound, http.StatusNotFound)
		return
	}

	h.respondJSON(w, http.StatusOK, stateResponse{Success: true, State: state})
}

// update 更新房間狀態
func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	var req updateStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "invalid request body", apperrors.ErrCodeInvalidInput, http.StatusBadRequest)
		return
	}

	state, err := h.engine.UpdateState(r.Context(), roomID, UpdateRequest{Data: req.Data, Merge: req.Merge}, req.Actor, req.ExpectedVersion)
	if err != nil {
		h.respondAppError(w, "update state failed", err)
		return
	}

	h.respondJSON(w, http.StatusOK, stateResponse{Success: true, State: state})
}

// patch 設定狀態文件中的單一路徑
func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	var req patchStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "invalid request body", apperrors.ErrCodeInvalidInput, http.StatusBadRequest)
		return
	}

	state, err := h.engine.PatchState(r.Context(), roomID, req.Path, req.Value, req.Actor)
	if err != nil {
		h.respondAppError(w, "patch state failed", err)
		return
	}

	h.respondJSON(w, http.StatusOK, stateResponse{Success: true, State: state})
}

// deleteKey 刪除狀態文件中的單一路徑
func (h *Handler) deleteKey(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	var req deleteKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "invalid request body", apperrors.ErrCodeInvalidInput, http.StatusBadRequest)
		return
	}

	state, err := h.engine.DeleteStateKey(r.Context(), roomID, req.Path, req.Actor)
	if err != nil {
		h.respondAppError(w, "delete state key failed", err)
		return
	}

	h.respondJSON(w, http.StatusOK, stateResponse{Success: true, State: state})
}

// history 讀取變更歷史
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.respondError(w, "invalid limit parameter", apperrors.ErrCodeInvalidInput, http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := h.engine.GetStateHistory(r.Context(), roomID, limit)
	if err != nil {
		h.respondAppError(w, "get history failed", err)
		return
	}

	h.respondJSON(w, http.StatusOK, historyResponse{RoomID: roomID, Entries: entries})
}

// publishEvent 發布領域事件
func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "invalid request body", apperrors.ErrCodeInvalidInput, http.StatusBadRequest)
		return
	}
	if req.EventType == "" {
		h.respondError(w, "event_type required", apperrors.ErrCodeInvalidInput, http.StatusBadRequest)
		return
	}

	if err := h.engine.PublishRoomUpdate(r.Context(), roomID, req.EventType, req.Payload); err != nil {
		h.respondAppError(w, "publish event failed", err)
		return
	}

	h.respondJSON(w, http.StatusOK, stateResponse{Success: true})
}

// cleanup 刪除房間狀態（歷史保留）
func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	if err := h.engine.CleanupRoomState(r.Context(), roomID); err != nil {
		h.respondAppError(w, "cleanup failed", err)
		return
	}

	h.respondJSON(w, http.StatusOK, stateResponse{Success: true})
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// ready 就緒檢查
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		h.respondError(w, "store not ready", apperrors.ErrCodeUnavailable, http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Ready")
}

// 中間件
// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic recovered", "error", err)
				h.respondError(w, "internal server error", apperrors.ErrCodeInternal, http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

// respondAppError 按錯誤分類映射 HTTP 狀態碼
//
// VersionConflict → 409（可重試）、NotFound → 404、
// Timeout → 504、儲存不可用 → 503、無效輸入 → 400。
func (h *Handler) respondAppError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)

	code := apperrors.ErrCodeInternal
	status := http.StatusInternalServerError

	switch {
	case apperrors.IsVersionConflict(err):
		code = apperrors.ErrCodeVersionConflict
		status = http.StatusConflict
	case apperrors.IsNotFound(err):
		code = apperrors.ErrCodeNotFound
		status = http.StatusNotFound
	case apperrors.IsInvalidInput(err):
		code = apperrors.ErrCodeInvalidInput
		status = http.StatusBadRequest
	case apperrors.IsTimeout(err):
		code = apperrors.ErrCodeTimeout
		status = http.StatusGatewayTimeout
	case apperrors.IsUnavailable(err):
		code = apperrors.ErrCodeUnavailable
		status = http.StatusServiceUnavailable
	case apperrors.IsSerialization(err):
		code = apperrors.ErrCodeSerialization
	}

	h.respondError(w, msg, code, status)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(stateResponse{
		Success: false,
		Error:   message,
		Code:    code,
	}); err != nil {
		h.logger.Error("failed to encode error response", "error", err, "message", message)
	}
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}
