// Package ratelimit は識別子ごとの固定ウィンドウ方式リクエスト制限を提供します。
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config は固定ウィンドウの設定です。
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// Decision は制限判定の結果です。
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter は now から見て再試行可能になるまでの時間を返します（最低1秒）。
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// Gate はリクエストを許可するかどうかを判定します。判定はエラーを返しません。
type Gate interface {
	Check(ctx context.Context, identifier string, cfg Config) Decision
	Reset(ctx context.Context, identifier string)
}

const defaultSweepInterval = time.Minute

type entry struct {
	count   int
	resetAt time.Time
}

// MemoryGate はプロセス内のマップで状態を保持する Gate です。
// 複数インスタンス間では共有されません（共有が必要な場合は RedisGate を使用）。
type MemoryGate struct {
	mu            sync.Mutex
	entries       map[string]*entry
	sweepInterval time.Duration
	lastSweep     time.Time
	now           func() time.Time
}

// MemoryOption は MemoryGate の設定を変更します。
type MemoryOption func(*MemoryGate)

// WithClock は現在時刻の取得関数を差し替えます（テスト用）。
func WithClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGate) { g.now = now }
}

// WithSweepInterval は期限切れエントリの掃除間隔を設定します。
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(g *MemoryGate) { g.sweepInterval = d }
}

// NewMemoryGate は MemoryGate を作成します。
func NewMemoryGate(opts ...MemoryOption) *MemoryGate {
	g := &MemoryGate{
		entries:       make(map[string]*entry),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.lastSweep = g.now()
	return g
}

// Check はウィンドウ内のリクエスト数を数え、上限を超えていれば拒否します。
// 拒否した場合はカウントを増やしません。
func (g *MemoryGate) Check(_ context.Context, identifier string, cfg Config) Decision {
	cfg = normalize(cfg)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.sweepLocked(now)

	e, ok := g.entries[identifier]
	if !ok || now.After(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(cfg.Window)}
		g.entries[identifier] = e
		return Decision{Allowed: true, Remaining: cfg.MaxRequests - 1, ResetAt: e.resetAt}
	}

	if e.count < cfg.MaxRequests {
		e.count++
		return Decision{Allowed: true, Remaining: cfg.MaxRequests - e.count, ResetAt: e.resetAt}
	}

	return Decision{Allowed: false, Remaining: 0, ResetAt: e.resetAt}
}

// Reset は識別子のカウントを破棄します。
func (g *MemoryGate) Reset(_ context.Context, identifier string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, identifier)
}

// Len は保持中のエントリ数を返します。
func (g *MemoryGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// sweepLocked は一定間隔ごとに期限切れエントリを削除します。
// 専用のタイマーは持たず、Check の呼び出しを契機に実行します。
func (g *MemoryGate) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < g.sweepInterval {
		return
	}
	g.lastSweep = now
	for id, e := range g.entries {
		if now.After(e.resetAt) {
			delete(g.entries, id)
		}
	}
}

func normalize(cfg Config) Config {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 1
	}
	return cfg
}
