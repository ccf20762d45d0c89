package convert

import (
	"errors"
	"fmt"
)

// エラーコード一覧。
const (
	CodeRateLimited      = "RATE_LIMITED"
	CodeQueueFull        = "QUEUE_FULL"
	CodeQueueTimeout     = "QUEUE_TIMEOUT"
	CodeLaunchFailure    = "LAUNCH_FAILURE"
	CodeWorkerTimeout    = "WORKER_TIMEOUT"
	CodeWorkerExitError  = "WORKER_EXIT_ERROR"
	CodeOutputParseError = "OUTPUT_PARSE_ERROR"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeInvalidEngine    = "INVALID_ENGINE"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"
	CodeRequestCanceled  = "REQUEST_CANCELED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error はクライアントへ返却可能なエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError は Error を生成します。
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf は err に含まれるエラーコードを返します。該当しない場合は INTERNAL_ERROR です。
func CodeOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeInternal
}

// IsBackpressure は「時間をおいて再試行すべき」種別のコードかどうかを返します。
// これらは変換失敗として記録しません。
func IsBackpressure(code string) bool {
	switch code {
	case CodeRateLimited, CodeQueueFull, CodeQueueTimeout:
		return true
	default:
		return false
	}
}
