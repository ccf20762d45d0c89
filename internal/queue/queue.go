// Package queue は同時実行数を制限するプロセスキューを提供します。
//
// 空きスロットがあれば即座に実行し、なければ上限付きの待ち行列（FIFO）に並べます。
// 待ち時間が上限を超えたタスクは行列から取り除かれ、ErrQueueTimeout で終了します。
// キューはプロセス内でのみ有効で、複数インスタンス間の調整は行いません。
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrQueueFull は待ち行列が上限に達しているため受け付けなかったことを示します。
	ErrQueueFull = errors.New("queue: waiting line is full")
	// ErrQueueTimeout は待ち時間が上限を超えたことを示します。
	ErrQueueTimeout = errors.New("queue: timed out waiting for a free slot")
)

const (
	defaultMaxConcurrent = 2
	defaultMaxQueueSize  = 10
	defaultQueueTimeout  = 2 * time.Minute
)

// Config はキューの設定です。
type Config struct {
	MaxConcurrent int
	MaxQueueSize  int
	QueueTimeout  time.Duration
}

// Stats はキューの現在の状態です。
type Stats struct {
	Active        int `json:"active"`
	Waiting       int `json:"waiting"`
	MaxConcurrent int `json:"maxConcurrent"`
	MaxQueueSize  int `json:"maxQueueSize"`
	// OldestWaitSeconds は行列の先頭タスクの待ち時間です。
	OldestWaitSeconds float64 `json:"oldestWaitSeconds"`
}

// Job はキューで実行する処理です。
type Job[T any] func(ctx context.Context) (T, error)

type waiterState int

const (
	stateWaiting waiterState = iota
	stateAdmitted
	stateExpired
	stateCanceled
)

// waiter は待ち行列に並んでいるタスクです。状態遷移は Queue.mu の下でのみ行い、
// 一度 waiting 以外になったら変化しません。
type waiter struct {
	enqueuedAt time.Time
	state      waiterState
	elem       *list.Element
	timer      *time.Timer
	admit      chan struct{}
	expired    chan struct{}
}

// Queue は同時実行数と待ち行列の長さを制限します。
type Queue[T any] struct {
	mu      sync.Mutex
	cfg     Config
	active  int
	waiting *list.List
	now     func() time.Time
}

// New は Queue を作成します。0 以下の設定値は既定値に置き換えます。
func New[T any](cfg Config) *Queue[T] {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.MaxQueueSize < 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = defaultQueueTimeout
	}
	return &Queue[T]{
		cfg:     cfg,
		waiting: list.New(),
		now:     time.Now,
	}
}

// Submit はジョブを実行し、その結果を返します。
// スロットが埋まっている場合は待ち行列に並び、行列も満杯なら即座に ErrQueueFull を返します。
// 待機中に ctx がキャンセルされた場合は行列から外れて ctx.Err() を返します。
// 実行開始後のジョブは ctx のキャンセルでは中断されません（ジョブ自身の判断に委ねます）。
func (q *Queue[T]) Submit(ctx context.Context, job Job[T]) (T, error) {
	return q.SubmitNotify(ctx, job, nil)
}

// SubmitNotify は Submit と同じですが、待ち行列に並んだ場合に限り onQueued を 1 回呼びます。
// onQueued はジョブの実行開始より前に、Submit を呼んだ goroutine で呼ばれます。
func (q *Queue[T]) SubmitNotify(ctx context.Context, job Job[T], onQueued func()) (T, error) {
	var zero T

	q.mu.Lock()
	if q.active < q.cfg.MaxConcurrent {
		q.active++
		q.mu.Unlock()
		return q.run(ctx, job)
	}
	if q.waiting.Len() >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return zero, ErrQueueFull
	}

	w := &waiter{
		enqueuedAt: q.now(),
		admit:      make(chan struct{}),
		expired:    make(chan struct{}),
	}
	w.elem = q.waiting.PushBack(w)
	w.timer = time.AfterFunc(q.cfg.QueueTimeout, func() { q.expire(w) })
	q.mu.Unlock()

	if onQueued != nil {
		onQueued()
	}

	select {
	case <-w.admit:
		return q.run(ctx, job)
	case <-w.expired:
		return zero, ErrQueueTimeout
	case <-ctx.Done():
		q.mu.Lock()
		switch w.state {
		case stateWaiting:
			w.state = stateCanceled
			w.timer.Stop()
			q.waiting.Remove(w.elem)
			q.mu.Unlock()
			return zero, ctx.Err()
		case stateAdmitted:
			// キャンセルと同時にスロットを割り当てられた場合は返却する
			q.mu.Unlock()
			q.release()
			return zero, ctx.Err()
		default:
			q.mu.Unlock()
			return zero, ErrQueueTimeout
		}
	}
}

// Stats は現在の実行数と待ち行列の長さを返します。
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{
		Active:        q.active,
		Waiting:       q.waiting.Len(),
		MaxConcurrent: q.cfg.MaxConcurrent,
		MaxQueueSize:  q.cfg.MaxQueueSize,
	}
	if front := q.waiting.Front(); front != nil {
		stats.OldestWaitSeconds = q.now().Sub(front.Value.(*waiter).enqueuedAt).Seconds()
	}
	return stats
}

// HasCapacity は今 Submit した場合に ErrQueueFull にならないかを返します。
func (q *Queue[T]) HasCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active < q.cfg.MaxConcurrent || q.waiting.Len() < q.cfg.MaxQueueSize
}

func (q *Queue[T]) run(ctx context.Context, job Job[T]) (result T, err error) {
	defer q.release()
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = fmt.Errorf("queue: job panicked: %v", r)
		}
	}()
	return job(ctx)
}

// release はスロットを返却し、空きがある限り待ち行列の先頭から順に実行を許可します。
func (q *Queue[T]) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	for q.active < q.cfg.MaxConcurrent && q.waiting.Len() > 0 {
		front := q.waiting.Front()
		w := front.Value.(*waiter)
		q.waiting.Remove(front)
		w.timer.Stop()
		w.state = stateAdmitted
		q.active++
		close(w.admit)
	}
}

// expire は待ち時間の上限に達したタスクを行列から取り除きます。
// 既に実行が許可されたタスクに対しては何もしません。
func (q *Queue[T]) expire(w *waiter) {
	q.mu.Lock()
	if w.state != stateWaiting {
		q.mu.Unlock()
		return
	}
	w.state = stateExpired
	q.waiting.Remove(w.elem)
	q.mu.Unlock()
	close(w.expired)
}
