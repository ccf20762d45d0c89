// Package api は変換 API の HTTP ハンドラーを提供します。
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/paper-convert/internal/convert"
	"github.com/yourusername/paper-convert/internal/jobs"
	"github.com/yourusername/paper-convert/internal/pdf"
	"github.com/yourusername/paper-convert/internal/queue"
)

// Converter は変換ジョブを実行します。
type Converter interface {
	Admit(ctx context.Context, identifier string, authenticated bool) (convert.Event, bool)
	Run(ctx context.Context, sub jobs.Submission, emit convert.Emitter) convert.Event
	QueueStats() queue.Stats
}

// RecordReader は変換記録を取得します。
type RecordReader interface {
	Get(ctx context.Context, jobID string) (*jobs.Record, error)
}

// OutputReader は保存済みの変換結果を読み込みます。
type OutputReader interface {
	LoadOutput(ctx context.Context, jobID string) ([]byte, error)
}

// Options は Handler の構築オプションです。
type Options struct {
	Converter Converter
	Records   RecordReader // nil なら記録の参照を無効化
	Outputs   OutputReader // nil なら結果の参照を無効化
	Engines   []convert.Engine
	Limits    pdf.Limits
	Logger    *zap.Logger
}

// Handler は変換 API のハンドラー群です。
type Handler struct {
	conv    Converter
	records RecordReader
	outputs OutputReader
	engines []convert.Engine
	limits  pdf.Limits
	logger  *zap.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		conv:    opts.Converter,
		records: opts.Records,
		outputs: opts.Outputs,
		engines: opts.Engines,
		limits:  opts.Limits,
		logger:  logger,
	}
}

// Engines は GET /api/engines のハンドラーです。
func (h *Handler) Engines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"engines": h.engines})
}

// QueueStats は GET /api/queue のハンドラーです。
func (h *Handler) QueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.conv.QueueStats())
}
