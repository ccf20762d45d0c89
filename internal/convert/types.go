// Package convert は変換ジョブ全体で共有する型とエラー分類を提供します。
package convert

// Engine は変換を担当する外部ワーカーの識別子です。
type Engine string

const (
	EngineMarkItDown Engine = "markitdown"
	EngineMinerU     Engine = "mineru"
	EngineTesseract  Engine = "tesseract"
)

// Result はワーカーが生成した変換結果です。生成後は変更しません。
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Engine  Engine `json:"engine"`
	Cached  bool   `json:"cached,omitempty"`

	// ExitCode はワーカープロセスの終了コードです（タイムアウト時は ExitCodeTimeout）。
	ExitCode int `json:"-"`
	// Code は失敗時のエラー分類です（成功時は空）。
	Code string `json:"-"`
}

// ExitCodeTimeout はタイムアウトで強制終了した場合にのみ使用する終了コードです。
// 正常終了したプロセスが負の終了コードを返すことはありません。
const ExitCodeTimeout = -1

// EventType は進捗イベントの種別です。
type EventType string

const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
	EventError    EventType = "error"
)

// Event はジョブの進捗を表すイベントです。
// ジョブごとに Result または Error のいずれか一つが必ず最後に発行されます。
type Event struct {
	Type    EventType `json:"type"`
	Stage   string    `json:"stage,omitempty"`
	Percent *int      `json:"percent,omitempty"`
	Message string    `json:"message,omitempty"`
	Result  *Result   `json:"result,omitempty"`

	// Code と RetryAfterSeconds は Error イベントでのみ設定されます。
	Code              string `json:"code,omitempty"`
	RetryAfterSeconds int    `json:"retryAfter,omitempty"`
}

// Terminal は終端イベント（Result/Error）かどうかを返します。
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError
}

// ProgressEvent は進捗イベントを生成します。percent は 0-100 に丸めます。
func ProgressEvent(stage string, percent int, message string) Event {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return Event{
		Type:    EventProgress,
		Stage:   stage,
		Percent: &percent,
		Message: message,
	}
}

// ResultEvent は結果イベントを生成します。
func ResultEvent(result *Result) Event {
	return Event{Type: EventResult, Result: result}
}

// ErrorEvent はエラーイベントを生成します。
func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

// Emitter はイベントの送出先です。
type Emitter func(Event)
