// Package cache keeps short-lived engine state: preview handles and remote telemetry windows.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Provider is the key/value surface the engine needs. A zero ttl keeps an entry until it
// is deleted.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss is returned by Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendValkey = "valkey"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

const keyPrefix = "tc:"

// PreviewKey names the cached request and triplet behind a preview handle.
func PreviewKey(id string) string { return keyPrefix + "preview:" + id }

// ClaimKey names the marker held while a preview handle is being committed.
func ClaimKey(id string) string { return keyPrefix + "claim:" + id }

// TelemetryKey names a cached remote telemetry window.
func TelemetryKey(begin, end time.Time) string {
	return fmt.Sprintf("%stelemetry:%d:%d", keyPrefix, begin.UnixNano(), end.UnixNano())
}

// Open returns the provider for backend. A remote backend without an address, or one that
// fails its ping, degrades to the in-memory provider.
func Open(backend string, remote ValkeyConfig, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendValkey, BackendRedis:
		if remote.Addr == "" {
			logger.Warn("cache backend has no address, using memory", slog.String("backend", backend))
			return NewMemoryProvider()
		}
		provider, err := NewValkeyProvider(remote)
		if err != nil {
			logger.Warn("valkey cache unavailable, using memory", slog.String("addr", remote.Addr), slog.Any("error", err))
			return NewMemoryProvider()
		}
		return provider
	case BackendNone, "noop":
		return NoopProvider{}
	case "", BackendMemory:
		return NewMemoryProvider()
	default:
		logger.Warn("unknown cache backend, using memory", slog.String("backend", backend))
		return NewMemoryProvider()
	}
}

// NoopProvider stores nothing; every Get misses and every claim succeeds.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
