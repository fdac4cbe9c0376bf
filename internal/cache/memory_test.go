package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderExpiry(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryProvider()
	c.now = func() time.Time { return clock }

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("expected hit, got %q %v", got, err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
}

func TestMemoryProviderSetNX(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryProvider()

	ok, err := c.SetNX(ctx, "k", []byte("first"), 0)
	if err != nil || !ok {
		t.Fatalf("expected first setnx to win, got %v %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "k", []byte("second"), 0)
	if err != nil || ok {
		t.Fatalf("expected second setnx to lose, got %v %v", ok, err)
	}
	got, _ := c.Get(ctx, "k")
	if string(got) != "first" {
		t.Fatalf("unexpected value %q", got)
	}

	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestMemoryProviderCopiesValues(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryProvider()
	buf := []byte("abc")
	_ = c.Set(ctx, "k", buf, 0)
	buf[0] = 'z'
	got, _ := c.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("cache aliased caller buffer: %q", got)
	}
}

func TestValkeyProviderRequiresAddr(t *testing.T) {
	if _, err := NewValkeyProvider(ValkeyConfig{}); err == nil {
		t.Fatal("expected error for empty addr")
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	if _, ok := Open("", ValkeyConfig{}, nil).(*MemoryProvider); !ok {
		t.Fatal("expected memory provider by default")
	}
	if _, ok := Open("none", ValkeyConfig{}, nil).(NoopProvider); !ok {
		t.Fatal("expected noop provider")
	}
	if _, ok := Open("valkey", ValkeyConfig{}, nil).(*MemoryProvider); !ok {
		t.Fatal("expected memory fallback without an address")
	}
}

func TestKeysAreNamespaced(t *testing.T) {
	if PreviewKey("a") == ClaimKey("a") {
		t.Fatal("preview and claim keys collide")
	}
	begin := time.Unix(10, 0)
	if got := TelemetryKey(begin, begin.Add(time.Second)); got != "tc:telemetry:10000000000:11000000000" {
		t.Fatalf("unexpected telemetry key %q", got)
	}
}
