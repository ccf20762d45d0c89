package api

import (
	"errors"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Conversion は GET /api/conversions/:id のハンドラーです。
func (h *Handler) Conversion(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return
	}
	if h.records == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "RECORDS_DISABLED",
			"message": "変換記録は無効化されています。",
		})
		return
	}

	record, err := h.records.Get(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("failed to load conversion record", zap.String("jobId", jobID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "変換記録の取得に失敗しました。",
		})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "CONVERSION_NOT_FOUND",
			"message": "指定された変換記録は存在しません。",
		})
		return
	}

	c.JSON(http.StatusOK, record)
}

// ConversionOutput は GET /api/conversions/:id/output のハンドラーです。
func (h *Handler) ConversionOutput(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if h.outputs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "RECORDS_DISABLED",
			"message": "変換結果の保存は無効化されています。",
		})
		return
	}

	data, err := h.outputs.LoadOutput(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "CONVERSION_RESULT_NOT_FOUND",
				"message": "変換結果が見つかりませんでした。",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "変換結果の取得に失敗しました。",
		})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", jobID)
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", data)
}
