package chaterrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ChatError 帶有錯誤代碼的模組錯誤.
type ChatError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *ChatError) Unwrap() error { return e.Cause }

// New 創建新的模組錯誤.
func New(code int, message string) error {
	return &ChatError{Code: code, Message: message}
}

// Wrap 包裝底層錯誤並附加錯誤代碼與堆疊.
func Wrap(code int, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &ChatError{Code: code, Message: message, Cause: errors.WithStack(cause)}
}

// CodeOf 取得錯誤代碼，非模組錯誤返回 0.
func CodeOf(err error) int {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// IsFeedError 檢查是否為即時連線錯誤.
func IsFeedError(err error) bool {
	code := CodeOf(err)
	return code == CodeFeedUnavailable || code == CodeFeedClosed
}

// IsDecodeError 檢查是否為解碼錯誤.
func IsDecodeError(err error) bool {
	code := CodeOf(err)
	return code == CodeDecode || code == CodeMissingField
}
