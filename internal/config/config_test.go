package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GIN_MODE", "test")
	t.Setenv("RATE_LIMIT_BACKEND", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.RateLimitWindow() != time.Minute {
		t.Fatalf("unexpected window: %s", cfg.RateLimitWindow())
	}
	if cfg.RateLimitMaxAnonymous >= cfg.RateLimitMaxAuthenticated {
		t.Fatal("anonymous limit should be stricter by default")
	}
	if cfg.CacheTTL() != time.Hour || cfg.CacheMaxEntries != 100 {
		t.Fatalf("unexpected cache config: %s %d", cfg.CacheTTL(), cfg.CacheMaxEntries)
	}
	if cfg.QueueMaxConcurrent != 2 || cfg.QueueMaxSize != 10 {
		t.Fatalf("unexpected queue config: %d %d", cfg.QueueMaxConcurrent, cfg.QueueMaxSize)
	}
}

func TestLoadEngineTimeouts(t *testing.T) {
	t.Setenv("GIN_MODE", "test")
	t.Setenv("ENGINE_TIMEOUT_MINERU_MS", "15000")
	t.Setenv("ENGINE_TIMEOUT_TESSERACT_MS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.EngineTimeouts["mineru"]; got != 15*time.Second {
		t.Fatalf("mineru timeout = %s", got)
	}
	if _, ok := cfg.EngineTimeouts["tesseract"]; ok {
		t.Fatal("invalid value should fall back to the engine default")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("GIN_MODE", "test")
	t.Setenv("RATE_LIMIT_BACKEND", "etcd")
	if _, err := Load(); err == nil {
		t.Fatal("unknown backend should be rejected")
	}

	t.Setenv("RATE_LIMIT_BACKEND", "memory")
	t.Setenv("RATE_LIMIT_MAX_ANONYMOUS", "50")
	t.Setenv("RATE_LIMIT_MAX_AUTHENTICATED", "10")
	if _, err := Load(); err == nil {
		t.Fatal("anonymous limit above authenticated limit should be rejected")
	}

	t.Setenv("RATE_LIMIT_MAX_ANONYMOUS", "")
	t.Setenv("RATE_LIMIT_MAX_AUTHENTICATED", "")
	t.Setenv("GIN_MODE", "release")
	if _, err := Load(); err == nil {
		t.Fatal("release mode without credentials should be rejected")
	}
}
