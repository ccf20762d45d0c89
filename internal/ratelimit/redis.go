package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "ratelimit:"

// 上限に達している場合は INCR せずに現在値と残りTTLを返します。
var fixedWindowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if current >= max then
  local ttl = redis.call('PTTL', KEYS[1])
  return {current, ttl, 0}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], window)
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], window)
  ttl = window
end
return {current, ttl, 1}
`)

// redisClient は RedisGate が必要とする go-redis の操作です。
type redisClient interface {
	redis.Scripter
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGate は Redis 上で固定ウィンドウを共有する Gate です。
// 複数インスタンスで同じ上限を適用したい場合に使用します。
type RedisGate struct {
	rdb    redisClient
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisGate は RedisGate を作成します。
func NewRedisGate(rdb *redis.Client, logger *zap.Logger) *RedisGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisGate{rdb: rdb, logger: logger, now: time.Now}
}

// Check は Redis 上のカウンタを更新して判定します。
// Redis に到達できない場合は許可（fail-open）し、警告ログを出力します。
func (g *RedisGate) Check(ctx context.Context, identifier string, cfg Config) Decision {
	cfg = normalize(cfg)
	now := g.now()

	vals, err := fixedWindowScript.Run(ctx, g.rdb, []string{redisKeyPrefix + identifier},
		cfg.MaxRequests, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 3 {
		g.logger.Warn("rate limit store unavailable, allowing request",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		return Decision{Allowed: true, Remaining: cfg.MaxRequests - 1, ResetAt: now.Add(cfg.Window)}
	}

	count := int(vals[0])
	resetAt := now.Add(time.Duration(vals[1]) * time.Millisecond)
	if vals[2] == 0 {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	return Decision{Allowed: true, Remaining: cfg.MaxRequests - count, ResetAt: resetAt}
}

// Reset は識別子のカウンタを削除します。
func (g *RedisGate) Reset(ctx context.Context, identifier string) {
	if err := g.rdb.Del(ctx, redisKeyPrefix+identifier).Err(); err != nil {
		g.logger.Warn("failed to reset rate limit", zap.String("identifier", identifier), zap.Error(err))
	}
}
