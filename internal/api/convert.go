package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/paper-convert/internal/auth"
	"github.com/yourusername/paper-convert/internal/convert"
	"github.com/yourusername/paper-convert/internal/jobs"
	"github.com/yourusername/paper-convert/internal/pdf"
	"github.com/yourusername/paper-convert/internal/ratelimit"
)

const (
	defaultEngine = convert.EngineMarkItDown
	maxTimeout    = 10 * time.Minute
	ndjsonType    = "application/x-ndjson"
)

// terminalBody は非ストリーミング応答の本文です。
type terminalBody struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Engine  convert.Engine `json:"engine,omitempty"`
	Cached  bool           `json:"cached,omitempty"`
	Code    string         `json:"code,omitempty"`
}

// Convert は POST /api/convert のハンドラーです。終端結果を 1 つの JSON で返します。
func (h *Handler) Convert(c *gin.Context) {
	if rejection, ok := h.admit(c); !ok {
		writeTerminal(c, "", rejection)
		return
	}
	sub, err := h.parseSubmission(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	sub.Admitted = true
	c.Header("X-Job-Id", sub.JobID)

	ev := h.conv.Run(c.Request.Context(), sub, nil)
	writeTerminal(c, sub.Engine, ev)
}

// ConvertStream は POST /api/convert/stream のハンドラーです。
// 進捗を NDJSON で逐次送信し、最後に result または error を 1 行送ります。
func (h *Handler) ConvertStream(c *gin.Context) {
	if rejection, ok := h.admit(c); !ok {
		startStream(c)(rejection)
		return
	}
	sub, err := h.parseSubmission(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	sub.Admitted = true

	c.Header("X-Job-Id", sub.JobID)
	h.conv.Run(c.Request.Context(), sub, startStream(c))
}

// admit はアップロードを読み込む前にレート制限枠を消費します。
// 不正なアップロードも 1 回の依頼として数えます。
func (h *Handler) admit(c *gin.Context) (convert.Event, bool) {
	identifier, authenticated := ratelimit.Identifier(auth.UserFromContext(c), c.ClientIP())
	return h.conv.Admit(c.Request.Context(), identifier, authenticated)
}

func writeTerminal(c *gin.Context, engine convert.Engine, ev convert.Event) {
	status := terminalStatus(c, ev)

	body := terminalBody{Engine: engine}
	switch {
	case ev.Type == convert.EventResult && ev.Result != nil:
		body.Success = ev.Result.Success
		body.Output = ev.Result.Output
		body.Error = ev.Result.Error
		body.Cached = ev.Result.Cached
		body.Code = ev.Result.Code
	default:
		body.Error = ev.Message
		body.Code = ev.Code
	}
	c.JSON(status, body)
}

// startStream は NDJSON 応答のヘッダーを設定し、イベントを 1 行ずつ書き出す Emitter を返します。
func startStream(c *gin.Context) convert.Emitter {
	c.Header("Content-Type", ndjsonType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	enc := json.NewEncoder(c.Writer)
	started := false
	return func(ev convert.Event) {
		if !started {
			started = true
			// 最初のイベントが拒否なら、ステータスでも区別できるようにする
			status := http.StatusOK
			if ev.Type == convert.EventError {
				status = terminalStatus(c, ev)
			}
			c.Writer.WriteHeader(status)
		}
		if err := enc.Encode(ev); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

// parseSubmission は multipart フォームを検証して変換依頼を組み立てます。
func (h *Handler) parseSubmission(c *gin.Context) (jobs.Submission, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return jobs.Submission{}, convert.NewError(convert.CodeInvalidInput, "multipart/form-data でPDFファイルを送信してください。", err)
	}
	defer form.RemoveAll()

	file, err := extractSingleFile(form)
	if err != nil {
		return jobs.Submission{}, err
	}
	if h.limits.MaxSize > 0 && file.Size > h.limits.MaxSize {
		return jobs.Submission{}, convert.NewError(convert.CodeLimitExceeded,
			fmt.Sprintf("ファイルサイズが上限(%dMB)を超えています。", h.limits.MaxSize/(1024*1024)), nil)
	}
	content, err := readFile(file)
	if err != nil {
		return jobs.Submission{}, err
	}

	info, err := pdf.Inspect(content, h.limits)
	if err != nil {
		return jobs.Submission{}, err
	}

	engine := convert.Engine(strings.ToLower(strings.TrimSpace(c.PostForm("engine"))))
	if engine == "" {
		engine = defaultEngine
	}

	options, err := parseOptions(c.PostForm("options"))
	if err != nil {
		return jobs.Submission{}, err
	}
	timeout, err := parseTimeout(c.PostForm("timeoutMs"))
	if err != nil {
		return jobs.Submission{}, err
	}

	identifier, authenticated := ratelimit.Identifier(auth.UserFromContext(c), c.ClientIP())
	return jobs.Submission{
		JobID:         uuid.NewString(),
		Engine:        engine,
		Content:       content,
		Options:       options,
		Timeout:       timeout,
		Identifier:    identifier,
		Authenticated: authenticated,
		Pages:         info.Pages,
	}, nil
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form != nil {
		for _, field := range []string{"file", "file[]"} {
			if files := form.File[field]; len(files) > 0 {
				return files[0], nil
			}
		}
	}
	return nil, convert.NewError(convert.CodeInvalidInput, "PDFファイルを選択してください。", nil)
}

func readFile(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, convert.NewError(convert.CodeInvalidInput, "アップロードファイルを開けませんでした。", err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, convert.NewError(convert.CodeInvalidInput, "アップロードファイルの読み込みに失敗しました。", err)
	}
	return content, nil
}

func parseOptions(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var options map[string]any
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return nil, convert.NewError(convert.CodeInvalidInput, "options は JSON オブジェクトで指定してください。", err)
	}
	return options, nil
}

func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, convert.NewError(convert.CodeInvalidInput, "timeoutMs は正の整数で指定してください。", err)
	}
	timeout := time.Duration(ms) * time.Millisecond
	if timeout > maxTimeout {
		return 0, convert.NewError(convert.CodeLimitExceeded,
			fmt.Sprintf("timeoutMs は %d 以下で指定してください。", maxTimeout.Milliseconds()), nil)
	}
	return timeout, nil
}
