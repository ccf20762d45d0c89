package jobs

import (
	"time"

	"github.com/yourusername/paper-convert/internal/convert"
)

// Status は変換記録の状態を表します。
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// ErrorInfo は変換失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record は完了した変換ジョブの記録です。
type Record struct {
	JobID              string         `json:"jobId"`
	Engine             convert.Engine `json:"engine"`
	Status             Status         `json:"status"`
	Success            bool           `json:"success"`
	Cached             bool           `json:"cached,omitempty"`
	Identifier         string         `json:"identifier,omitempty"`
	OriginalContentRef string         `json:"originalContentRef"`
	OutputRef          string         `json:"outputRef,omitempty"`
	SizeBytes          int64          `json:"sizeBytes"`
	Pages              int            `json:"pages,omitempty"`
	DurationMs         int64          `json:"durationMs"`
	Error              *ErrorInfo     `json:"error,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	ExpiresAt          time.Time      `json:"expiresAt"`
}

// Outcome は終端に達したジョブを永続化層へ引き渡す内容です。
type Outcome struct {
	JobID      string
	Engine     convert.Engine
	Identifier string
	ContentRef string
	Content    []byte
	Pages      int
	Result     *convert.Result
	Duration   time.Duration
}
