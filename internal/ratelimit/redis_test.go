package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// scriptStub は固定ウィンドウスクリプトの挙動をメモリ上で再現します。
type scriptStub struct {
	counts map[string]int64
	fail   bool
}

func (s *scriptStub) run(keys []string, args ...interface{}) *redis.Cmd {
	if s.fail {
		return redis.NewCmdResult(nil, errors.New("connection refused"))
	}
	max := int64(args[0].(int))
	window := args[1].(int64)
	current := s.counts[keys[0]]
	if current >= max {
		return redis.NewCmdResult([]interface{}{current, window, int64(0)}, nil)
	}
	current++
	s.counts[keys[0]] = current
	return redis.NewCmdResult([]interface{}{current, window, int64(1)}, nil)
}

func (s *scriptStub) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *scriptStub) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *scriptStub) EvalRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *scriptStub) EvalShaRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *scriptStub) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (s *scriptStub) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func (s *scriptStub) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(s.counts, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisGateFixedWindow(t *testing.T) {
	stub := &scriptStub{counts: map[string]int64{}}
	gate := NewRedisGate(nil, nil)
	gate.rdb = stub
	cfg := Config{Window: time.Minute, MaxRequests: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if !gate.Check(ctx, "ip:a", cfg).Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	d := gate.Check(ctx, "ip:a", cfg)
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("3rd request should be denied: %#v", d)
	}
	if stub.counts[redisKeyPrefix+"ip:a"] != 2 {
		t.Fatalf("denied request must not increment, count = %d", stub.counts[redisKeyPrefix+"ip:a"])
	}

	gate.Reset(ctx, "ip:a")
	if !gate.Check(ctx, "ip:a", cfg).Allowed {
		t.Fatal("request after reset should be allowed")
	}
}

func TestRedisGateFailOpen(t *testing.T) {
	gate := NewRedisGate(nil, nil)
	gate.rdb = &scriptStub{fail: true}

	if !gate.Check(context.Background(), "ip:a", Config{Window: time.Minute, MaxRequests: 1}).Allowed {
		t.Fatal("unavailable store should not block requests")
	}
}
