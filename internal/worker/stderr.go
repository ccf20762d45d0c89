package worker

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"sync"
)

const maxDiagnosticBytes = 64 * 1024

// progressLine は stderr に出力される進捗行の形式です。
// 例: {"type":"progress","stage":"ocr","percent":40,"message":"page 2/5"}
type progressLine struct {
	Type    string   `json:"type"`
	Stage   *string  `json:"stage"`
	Percent *float64 `json:"percent"`
	Message *string  `json:"message"`
}

// Progress はワーカーから受け取った進捗です。
type Progress struct {
	Stage   string
	Percent int
	Message string
}

// ProgressFunc は進捗通知用コールバックです。
type ProgressFunc func(Progress)

// parseProgress は1行を進捗として解釈できるか判定します。
// JSON として読めない行や、進捗の項目を持たない行は診断出力として扱います。
func parseProgress(line string) (Progress, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Progress{}, false
	}
	var pl progressLine
	if err := json.Unmarshal([]byte(trimmed), &pl); err != nil {
		return Progress{}, false
	}
	if pl.Type != "" && pl.Type != "progress" {
		return Progress{}, false
	}
	if pl.Stage == nil && pl.Percent == nil && pl.Message == nil {
		return Progress{}, false
	}

	p := Progress{}
	if pl.Stage != nil {
		p.Stage = *pl.Stage
	}
	if pl.Message != nil {
		p.Message = *pl.Message
	}
	if pl.Percent != nil {
		p.Percent = int(math.Round(*pl.Percent))
	}
	if p.Percent < 0 {
		p.Percent = 0
	}
	if p.Percent > 100 {
		p.Percent = 100
	}
	if p.Stage == "" {
		p.Stage = "process"
	}
	return p, true
}

// diagnostics は進捗以外の stderr 出力を蓄積します。失敗時のエラーメッセージにのみ使用します。
type diagnostics struct {
	mu        sync.Mutex
	buf       strings.Builder
	truncated bool
}

func (d *diagnostics) append(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf.Len()+len(line)+1 > maxDiagnosticBytes {
		d.truncated = true
		return
	}
	d.buf.WriteString(line)
	d.buf.WriteByte('\n')
}

func (d *diagnostics) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := strings.TrimSpace(d.buf.String())
	if d.truncated {
		s += "\n...(truncated)"
	}
	return s
}

// stderrWriter は cmd.Stderr として使用し、書き込まれた内容を 1 行ずつ進捗と診断出力に振り分けます。
// exec パッケージのコピー用 goroutine からのみ呼ばれます。
type stderrWriter struct {
	onProgress ProgressFunc
	diag       *diagnostics
	partial    []byte
}

func newStderrWriter(onProgress ProgressFunc, diag *diagnostics) *stderrWriter {
	return &stderrWriter{onProgress: onProgress, diag: diag}
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.handle(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	// 改行のない長大な出力はそのまま診断出力として確定する
	if len(w.partial) > maxDiagnosticBytes {
		w.handle(string(w.partial))
		w.partial = nil
	}
	return len(p), nil
}

// Flush は末尾の改行なしの行を処理します。プロセス終了後に 1 回呼びます。
func (w *stderrWriter) Flush() {
	if len(w.partial) > 0 {
		w.handle(string(w.partial))
		w.partial = nil
	}
}

func (w *stderrWriter) handle(line string) {
	line = strings.TrimRight(line, "\r")
	if p, ok := parseProgress(line); ok {
		if w.onProgress != nil {
			w.onProgress(p)
		}
		return
	}
	if strings.TrimSpace(line) != "" {
		w.diag.append(line)
	}
}
