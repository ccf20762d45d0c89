package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/yourusername/paper-convert/internal/convert"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestKeyForIsContentAddressed(t *testing.T) {
	a := KeyFor([]byte("%PDF-1.4 same"), convert.EngineMarkItDown)
	b := KeyFor([]byte("%PDF-1.4 same"), convert.EngineMarkItDown)
	if a != b {
		t.Fatal("identical content and engine must produce the same key")
	}
	if KeyFor([]byte("%PDF-1.4 same"), convert.EngineTesseract) == a {
		t.Fatal("different engine must produce a different key")
	}
	if KeyFor([]byte("%PDF-1.4 other"), convert.EngineMarkItDown) == a {
		t.Fatal("different content must produce a different key")
	}
}

func TestGetMarksCached(t *testing.T) {
	c := New(time.Minute, 10)
	key := KeyFor([]byte("doc"), convert.EngineMarkItDown)
	c.Put(key, &convert.Result{Success: true, Output: "# doc", Engine: convert.EngineMarkItDown})

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !got.Cached || got.Output != "# doc" {
		t.Fatalf("unexpected result: %#v", got)
	}
}

func TestFailuresAreNotCached(t *testing.T) {
	c := New(time.Minute, 10)
	key := KeyFor([]byte("broken"), convert.EngineMarkItDown)
	c.Put(key, &convert.Result{Success: false, Error: "boom", Engine: convert.EngineMarkItDown})
	c.Put(key, nil)

	if _, ok := c.Get(key); ok {
		t.Fatal("failed results must not be cached")
	}
}

func TestTTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(time.Minute, 10, WithClock(clock.Now))
	key := KeyFor([]byte("doc"), convert.EngineMinerU)
	c.Put(key, &convert.Result{Success: true, Engine: convert.EngineMinerU})

	clock.now = clock.now.Add(59 * time.Second)
	if _, ok := c.Get(key); !ok {
		t.Fatal("entry within TTL should be served")
	}

	clock.now = clock.now.Add(2 * time.Second)
	if _, ok := c.Get(key); ok {
		t.Fatal("expired entry should be treated as absent")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed on access, len = %d", c.Len())
	}
}

func TestBatchEviction(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(time.Hour, 10, WithClock(clock.Now))

	keys := make([]Key, 0, 11)
	for i := 0; i < 11; i++ {
		key := KeyFor([]byte(fmt.Sprintf("doc-%d", i)), convert.EngineMarkItDown)
		keys = append(keys, key)
		c.Put(key, &convert.Result{Success: true, Engine: convert.EngineMarkItDown})
		clock.now = clock.now.Add(time.Second)
	}

	// 11件目の挿入前に古い 2 件（20%）が削除される
	if c.Len() != 9 {
		t.Fatalf("len = %d, want 9", c.Len())
	}
	for _, key := range keys[:2] {
		if _, ok := c.Get(key); ok {
			t.Fatal("oldest entries should be evicted")
		}
	}
	for _, key := range keys[2:] {
		if _, ok := c.Get(key); !ok {
			t.Fatal("newer entries should survive eviction")
		}
	}
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c := New(time.Hour, 1)
	key := KeyFor([]byte("doc"), convert.EngineMarkItDown)
	c.Put(key, &convert.Result{Success: true, Output: "v1"})
	c.Put(key, &convert.Result{Success: true, Output: "v2"})

	got, ok := c.Get(key)
	if !ok || got.Output != "v2" {
		t.Fatalf("unexpected result: %#v", got)
	}
}
