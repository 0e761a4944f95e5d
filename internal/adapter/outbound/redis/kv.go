// Package redis implements the KV port for kill-switch flags on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/agentgate-io/agentgate/internal/port/outbound"
)

var _ outbound.KV = (*KV)(nil)

// KV wraps a Redis client behind the flag-store port. Reset rebuilds the
// client so a poisoned connection pool does not wedge the kill switch.
type KV struct {
	mu     sync.RWMutex
	client *redis.Client
	opts   *redis.Options
	logger *slog.Logger
}

// New creates a KV over the given Redis URL (redis://host:port/db).
func New(url string, logger *slog.Logger) (*KV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &KV{client: redis.NewClient(opts), opts: opts, logger: logger}, nil
}

// Get returns the value for key and whether it exists.
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := k.current().Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores key=value without expiry; kill flags persist until released.
func (k *KV) Set(ctx context.Context, key, value string) error {
	if err := k.current().Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.current().Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity.
func (k *KV) Ping(ctx context.Context) error {
	return k.current().Ping(ctx).Err()
}

// Reset closes the client and builds a fresh one.
func (k *KV) Reset(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.client.Close(); err != nil {
		k.logger.Warn("closing redis client during reset", "error", err)
	}
	k.client = redis.NewClient(k.opts)
	return k.client.Ping(ctx).Err()
}

// Close releases the client.
func (k *KV) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.client.Close()
}

func (k *KV) current() *redis.Client {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.client
}
