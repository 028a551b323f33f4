package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces mirrored keys when no prefix is configured.
const DefaultRedisPrefix = "georange"

// redisWriteTimeout bounds each mirrored write.
const redisWriteTimeout = 2 * time.Second

// RedisClient is the subset of *redis.Client used by [RedisMirror].
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisMirror is a [Store] that keeps the latest status of every node in
// Redis in addition to an inner store. Reads and subscriptions are served by
// the inner store.
//
// Each update is written as JSON to "<prefix>:node:<id>" and published on
// "<prefix>:updates". Redis failures are logged and never block polling.
type RedisMirror struct {
	Store

	client RedisClient
	prefix string
	logger *slog.Logger
}

// NewRedisMirror wraps inner so every update is also mirrored to client.
// An empty prefix selects [DefaultRedisPrefix].
func NewRedisMirror(client RedisClient, prefix string, inner Store, logger *slog.Logger) *RedisMirror {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{Store: inner, client: client, prefix: prefix, logger: logger}
}

// Update stores status in the inner store, then mirrors the stored status
// to Redis.
func (r *RedisMirror) Update(status TargetStatus) TargetStatus {
	status = r.Store.Update(status)

	data, err := json.Marshal(status)
	if err != nil {
		r.logger.Error("redis mirror: encode status", "node_id", status.Node, "error", err)
		return status
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	if err := r.client.Set(ctx, r.Key(status.Node), data, 0).Err(); err != nil {
		r.logger.Warn("redis mirror: set failed", "node_id", status.Node, "error", err)
		return status
	}
	if err := r.client.Publish(ctx, r.Channel(), data).Err(); err != nil {
		r.logger.Warn("redis mirror: publish failed", "node_id", status.Node, "error", err)
	}
	return status
}

// Ping checks the Redis connection.
func (r *RedisMirror) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Key returns the Redis key holding the status of node.
func (r *RedisMirror) Key(node uint16) string {
	return fmt.Sprintf("%s:node:%d", r.prefix, node)
}

// Channel returns the Redis channel updates are published on.
func (r *RedisMirror) Channel() string {
	return r.prefix + ":updates"
}
