// Package jobs は変換ジョブのライフサイクル（受付・実行・記録）を管理します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/paper-convert/internal/cache"
	"github.com/yourusername/paper-convert/internal/convert"
	"github.com/yourusername/paper-convert/internal/metrics"
	"github.com/yourusername/paper-convert/internal/queue"
	"github.com/yourusername/paper-convert/internal/ratelimit"
	"github.com/yourusername/paper-convert/internal/worker"
)

const (
	// queueRetryAfter はキュー満杯・待ち時間超過時に提示する再試行までの秒数です。
	queueRetryAfter = 5 * time.Second
	persistTimeout  = 30 * time.Second
)

// Invoker はワーカーを 1 回実行します。
type Invoker interface {
	Run(ctx context.Context, req worker.Request, onProgress worker.ProgressFunc) (*convert.Result, error)
}

// EngineCatalog は利用可能なエンジンを解決します。
type EngineCatalog interface {
	Lookup(engine convert.Engine) (convert.EngineSpec, bool)
}

// Persister は終端に達したジョブを記録します。失敗しても呼び出し元への応答は変わりません。
type Persister interface {
	Persist(ctx context.Context, outcome Outcome) error
}

// Deps は Orchestrator の依存関係です。
type Deps struct {
	Gate      ratelimit.Gate
	Policies  ratelimit.Policies
	Cache     *cache.Cache
	Queue     *queue.Queue[*convert.Result]
	Invoker   Invoker
	Engines   EngineCatalog
	Persister Persister // nil なら記録しない
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Submission は 1 件の変換依頼です。
type Submission struct {
	JobID         string
	Engine        convert.Engine
	Content       []byte
	Options       map[string]any
	Timeout       time.Duration
	Identifier    string
	Authenticated bool
	Pages         int
	// Admitted は Admit で既にレート制限を通過済みであることを示します。
	Admitted bool
}

// Orchestrator はレート制限 → キャッシュ → キュー → ワーカーの順にジョブを処理します。
type Orchestrator struct {
	gate      ratelimit.Gate
	policies  ratelimit.Policies
	cache     *cache.Cache
	queue     *queue.Queue[*convert.Result]
	invoker   Invoker
	engines   EngineCatalog
	persister Persister
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	pending sync.WaitGroup
}

// NewOrchestrator は Orchestrator を作成します。
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Gate == nil:
		return nil, errors.New("rate gate is nil")
	case deps.Cache == nil:
		return nil, errors.New("cache is nil")
	case deps.Queue == nil:
		return nil, errors.New("queue is nil")
	case deps.Invoker == nil:
		return nil, errors.New("invoker is nil")
	case deps.Engines == nil:
		return nil, errors.New("engine catalog is nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		gate:      deps.Gate,
		policies:  deps.Policies,
		cache:     deps.Cache,
		queue:     deps.Queue,
		invoker:   deps.Invoker,
		engines:   deps.Engines,
		persister: deps.Persister,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// QueueStats はプロセスキューの現在値を返します。
func (o *Orchestrator) QueueStats() queue.Stats {
	return o.queue.Stats()
}

// Wait は実行中の記録処理がすべて終わるまで待ちます。
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

// Admit は identifier のレート制限枠を 1 つ消費します。
// 拒否した場合は RATE_LIMITED のエラーイベントと false を返します。
// 許可された依頼を Admitted=true で Run に渡すと、同じ依頼を二重に計上しません。
func (o *Orchestrator) Admit(ctx context.Context, identifier string, authenticated bool) (convert.Event, bool) {
	decision := o.gate.Check(ctx, identifier, o.policies.For(authenticated))
	if decision.Allowed {
		return convert.Event{}, true
	}
	retryAfter := decision.RetryAfter(o.now())
	o.metrics.ObserveRateLimited()
	o.logger.Info("rate limited", zap.String("identifier", identifier), zap.Duration("retryAfter", retryAfter))
	return backpressureEvent(convert.CodeRateLimited,
		fmt.Sprintf("too many requests, retry after %ds", seconds(retryAfter)), retryAfter), false
}

// Run はジョブを最後まで処理し、発行した終端イベントを返します。
// emit には 0 個以上の Progress と、ちょうど 1 個の Result または Error が渡されます。
func (o *Orchestrator) Run(ctx context.Context, sub Submission, emit convert.Emitter) (terminal convert.Event) {
	if sub.JobID == "" {
		sub.JobID = uuid.NewString()
	}
	sink := newEventSink(emit)
	logger := o.logger.With(zap.String("jobId", sub.JobID), zap.String("engine", string(sub.Engine)))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("conversion panicked", zap.Any("panic", r), zap.Stack("stack"))
			sink.finish(convert.ErrorEvent(convert.CodeInternal, "internal error"))
		}
		terminal = sink.terminalEvent()
	}()

	if !sub.Admitted {
		if rejection, ok := o.Admit(ctx, sub.Identifier, sub.Authenticated); !ok {
			o.metrics.ObserveOutcome(string(sub.Engine), "rate_limited")
			sink.finish(rejection)
			return
		}
	}

	if _, ok := o.engines.Lookup(sub.Engine); !ok {
		o.metrics.ObserveOutcome(string(sub.Engine), "invalid")
		sink.finish(convert.ErrorEvent(convert.CodeInvalidEngine, fmt.Sprintf("unknown engine: %s", sub.Engine)))
		return
	}

	key := cache.KeyFor(sub.Content, sub.Engine)
	if cached, ok := o.cache.Get(key); ok {
		o.metrics.ObserveCache(true)
		o.metrics.ObserveOutcome(string(sub.Engine), "cached")
		sink.progress(convert.ProgressEvent("cache_hit", 100, "served from cache"))
		sink.finish(convert.ResultEvent(cached))
		logger.Info("conversion served from cache")
		o.persist(sub, key, cached, 0)
		return
	}
	o.metrics.ObserveCache(false)

	startedAt := o.now()
	result, err := o.queue.SubmitNotify(ctx, func(jobCtx context.Context) (*convert.Result, error) {
		sink.progress(convert.ProgressEvent("started", 0, "worker starting"))
		workerStart := o.now()
		res, runErr := o.invoker.Run(jobCtx, worker.Request{
			Engine:  sub.Engine,
			Content: sub.Content,
			Options: sub.Options,
			Timeout: sub.Timeout,
		}, func(p worker.Progress) {
			sink.progress(convert.ProgressEvent(p.Stage, p.Percent, p.Message))
		})
		o.metrics.ObserveWorker(string(sub.Engine), o.now().Sub(workerStart))
		return res, runErr
	}, func() {
		sink.progress(convert.ProgressEvent("queued", 0, "waiting for a worker slot"))
	})
	elapsed := o.now().Sub(startedAt)

	if err != nil {
		o.handleFailure(sub, key, err, elapsed, sink, logger)
		return
	}
	if result == nil {
		result = &convert.Result{Success: false, Error: "worker returned no result", Engine: sub.Engine, Code: convert.CodeInternal}
	}

	if result.Success {
		o.cache.Put(key, result)
		o.metrics.ObserveOutcome(string(sub.Engine), "success")
	} else {
		o.metrics.ObserveOutcome(string(sub.Engine), "failed")
	}
	sink.finish(convert.ResultEvent(result))
	logger.Info("conversion finished",
		zap.Bool("success", result.Success),
		zap.String("code", result.Code),
		zap.Duration("elapsed", elapsed),
	)
	o.persist(sub, key, result, elapsed)
	return
}

// handleFailure はキューまたは起動時のエラーを終端イベントに変換します。
func (o *Orchestrator) handleFailure(sub Submission, key cache.Key, err error, elapsed time.Duration, sink *eventSink, logger *zap.Logger) {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		o.metrics.ObserveRejection("queue_full")
		o.metrics.ObserveOutcome(string(sub.Engine), "queue_full")
		logger.Warn("queue full")
		sink.finish(backpressureEvent(convert.CodeQueueFull, "server busy, conversion queue is full", queueRetryAfter))
	case errors.Is(err, queue.ErrQueueTimeout):
		o.metrics.ObserveRejection("queue_timeout")
		o.metrics.ObserveOutcome(string(sub.Engine), "queue_timeout")
		logger.Warn("queue wait timed out", zap.Duration("waited", elapsed))
		sink.finish(backpressureEvent(convert.CodeQueueTimeout, "timed out waiting for a worker slot", queueRetryAfter))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), convert.CodeOf(err) == convert.CodeRequestCanceled:
		o.metrics.ObserveOutcome(string(sub.Engine), "canceled")
		logger.Info("request canceled before the worker started")
		sink.finish(convert.ErrorEvent(convert.CodeRequestCanceled, "request canceled"))
	default:
		code := convert.CodeOf(err)
		message := err.Error()
		var apiErr *convert.Error
		if errors.As(err, &apiErr) {
			message = apiErr.Message
		}
		o.metrics.ObserveOutcome(string(sub.Engine), "error")
		logger.Error("conversion failed", zap.String("code", code), zap.Error(err))
		sink.finish(convert.ErrorEvent(code, message))
		o.persist(sub, key, &convert.Result{Success: false, Error: message, Engine: sub.Engine, Code: code}, elapsed)
	}
}

// persist は記録処理をバックグラウンドで実行します。
func (o *Orchestrator) persist(sub Submission, key cache.Key, result *convert.Result, elapsed time.Duration) {
	if o.persister == nil {
		return
	}
	outcome := Outcome{
		JobID:      sub.JobID,
		Engine:     sub.Engine,
		Identifier: sub.Identifier,
		ContentRef: string(key),
		Content:    sub.Content,
		Pages:      sub.Pages,
		Result:     result,
		Duration:   elapsed,
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("persistence panicked", zap.String("jobId", outcome.JobID), zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.persister.Persist(ctx, outcome); err != nil {
			o.logger.Warn("failed to persist conversion", zap.String("jobId", outcome.JobID), zap.Error(err))
		}
	}()
}

func backpressureEvent(code, message string, retryAfter time.Duration) convert.Event {
	ev := convert.ErrorEvent(code, message)
	ev.RetryAfterSeconds = seconds(retryAfter)
	return ev
}

func seconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// eventSink は終端イベントが 1 回だけ発行されることを保証します。
type eventSink struct {
	mu       sync.Mutex
	emit     convert.Emitter
	done     bool
	terminal convert.Event
}

func newEventSink(emit convert.Emitter) *eventSink {
	return &eventSink{emit: emit}
}

func (s *eventSink) progress(ev convert.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if s.emit != nil {
		s.emit(ev)
	}
}

func (s *eventSink) finish(ev convert.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.terminal = ev
	if s.emit != nil {
		s.emit(ev)
	}
}

func (s *eventSink) terminalEvent() convert.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		s.terminal = convert.ErrorEvent(convert.CodeInternal, "conversion ended without a result")
		if s.emit != nil {
			s.emit(s.terminal)
		}
	}
	return s.terminal
}
