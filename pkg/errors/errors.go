// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到（房間或路徑不存在）
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeVersionConflict 版本衝突（樂觀鎖失敗，可重試）
	ErrCodeVersionConflict = "VERSION_CONFLICT"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeSerialization 序列化錯誤（儲存的文件無法解析）
	ErrCodeSerialization = "SERIALIZATION_ERROR"
	// ErrCodeTimeout 超時錯誤
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 後端儲存不可用
	ErrCodeUnavailable = "STORE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// 預定義錯誤
var (
	// ErrRoomNotFound 房間狀態不存在
	ErrRoomNotFound = New(ErrCodeNotFound, "room state not found")

	// ErrVersionConflict 版本衝突，呼叫方應重新讀取後重試
	ErrVersionConflict = New(ErrCodeVersionConflict, "room state version conflict")

	// ErrInvalidRoomID 無效的房間 ID
	ErrInvalidRoomID = New(ErrCodeInvalidInput, "invalid room id")

	// ErrInvalidPath 無效的狀態路徑
	ErrInvalidPath = New(ErrCodeInvalidInput, "invalid state path")

	// ErrEmptyData 更新資料必須是物件
	ErrEmptyData = New(ErrCodeInvalidInput, "update data must be a non-nil object")

	// ErrCorruptedState 儲存的狀態文件無法解析
	ErrCorruptedState = New(ErrCodeSerialization, "stored room state is not valid JSON")

	// ErrStoreUnavailable 後端儲存不可用
	ErrStoreUnavailable = New(ErrCodeUnavailable, "state store unavailable")
)

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsVersionConflict 檢查是否為版本衝突錯誤
func IsVersionConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeVersionConflict
	}
	return false
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeInvalidInput
	}
	return false
}

// IsSerialization 檢查是否為序列化錯誤
func IsSerialization(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeSerialization
	}
	return false
}

// IsTimeout 檢查是否為超時錯誤
func IsTimeout(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeTimeout
	}
	return false
}

// IsUnavailable 檢查是否為儲存不可用錯誤
func IsUnavailable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeUnavailable
	}
	return false
}
