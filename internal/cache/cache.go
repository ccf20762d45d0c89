// Package cache は入力内容とエンジンをキーとする変換結果キャッシュを提供します。
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/yourusername/paper-convert/internal/convert"
)

const (
	defaultTTL        = time.Hour
	defaultMaxEntries = 100
	// evictFraction は容量超過時に一括で削除する古いエントリの割合です。
	evictFraction = 0.2
)

// Key は (ファイル内容, エンジン) のダイジェストです。
// 同じ内容・同じエンジンのアップロードは同じキーになります。
type Key string

// KeyFor はキャッシュキーを計算します。
func KeyFor(content []byte, engine convert.Engine) Key {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte{0})
	h.Write([]byte(engine))
	return Key(hex.EncodeToString(h.Sum(nil)))
}

type entry struct {
	result   convert.Result
	storedAt time.Time
}

// Cache は TTL と最大件数で制限されたインメモリキャッシュです。
// 再起動をまたいだ永続化は行いません。
type Cache struct {
	mu         sync.Mutex
	entries    map[Key]*entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// Option は Cache の設定を変更します。
type Option func(*Cache)

// WithClock は現在時刻の取得関数を差し替えます（テスト用）。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New は Cache を作成します。ttl と maxEntries が 0 以下の場合は既定値を使用します。
func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	c := &Cache{
		entries:    make(map[Key]*entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get はキャッシュ済みの結果を Cached=true として返します。
// TTL を過ぎたエントリは削除し、存在しないものとして扱います。
func (c *Cache) Get(key Key) (*convert.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	result := e.result
	result.Cached = true
	return &result, true
}

// Put は成功した結果のみを保存します。失敗結果は保存しません。
func (c *Cache) Put(key Key, result *convert.Result) {
	if result == nil || !result.Success {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	stored := *result
	stored.Cached = false
	c.entries[key] = &entry{result: stored, storedAt: c.now()}
}

// Len は保持中のエントリ数を返します（期限切れで未削除のものを含む）。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked は保存時刻の古い順に全体の 20%（最低1件）をまとめて削除します。
func (c *Cache) evictOldestLocked() {
	type aged struct {
		key      Key
		storedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, storedAt: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].storedAt.Before(all[j].storedAt) })

	batch := int(float64(len(all)) * evictFraction)
	if batch < 1 {
		batch = 1
	}
	for _, a := range all[:batch] {
		delete(c.entries, a.key)
	}
}
