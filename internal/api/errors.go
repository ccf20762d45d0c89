package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/paper-convert/internal/convert"
)

// statusFor はエラーコードに対応する HTTP ステータスを返します。
func statusFor(code string) int {
	switch code {
	case convert.CodeRateLimited:
		return http.StatusTooManyRequests
	case convert.CodeQueueFull, convert.CodeQueueTimeout:
		return http.StatusServiceUnavailable
	case convert.CodeInvalidInput, convert.CodeInvalidEngine:
		return http.StatusBadRequest
	case convert.CodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case convert.CodeRequestCanceled:
		return http.StatusRequestTimeout
	case convert.CodeWorkerTimeout, convert.CodeWorkerExitError, convert.CodeOutputParseError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondWithError は受付前の検証エラーを JSON で返します。
func respondWithError(c *gin.Context, err error) {
	var apiErr *convert.Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusFor(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    convert.CodeRequestCanceled,
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    convert.CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

// terminalStatus は終端イベントに対応する HTTP ステータスを返し、必要なら Retry-After を設定します。
func terminalStatus(c *gin.Context, ev convert.Event) int {
	switch ev.Type {
	case convert.EventResult:
		if ev.Result != nil && ev.Result.Success {
			return http.StatusOK
		}
		return http.StatusUnprocessableEntity
	case convert.EventError:
		if ev.RetryAfterSeconds > 0 {
			c.Header("Retry-After", strconv.Itoa(ev.RetryAfterSeconds))
		}
		return statusFor(ev.Code)
	default:
		return http.StatusInternalServerError
	}
}
