// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultHealthKeyPrefix namespaces provider health hashes in Redis.
const DefaultHealthKeyPrefix = "gateway:provider_health:"

// RedisHealthStore keeps one hash per provider so gateway replicas can share
// breaker state. Keys expire after TTL so stale replicas do not pin a breaker.
type RedisHealthStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisHealthStore wraps an existing client. A zero ttl defaults to
// 10 minutes.
func NewRedisHealthStore(client *redis.Client, prefix string, ttl time.Duration) *RedisHealthStore {
	if prefix == "" {
		prefix = DefaultHealthKeyPrefix
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisHealthStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisHealthStoreFromURL parses redisURL (redis://host:port/db), connects
// and verifies the connection.
func NewRedisHealthStoreFromURL(ctx context.Context, redisURL, prefix string, ttl time.Duration) (*RedisHealthStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisHealthStore(client, prefix, ttl), nil
}

func (s *RedisHealthStore) key(provider string) string {
	return s.prefix + provider
}

// SaveHealth writes the snapshot and refreshes the key's TTL atomically.
func (s *RedisHealthStore) SaveHealth(ctx context.Context, h ProviderHealth) error {
	reopenAt := int64(0)
	if !h.ReopenAt.IsZero() {
		reopenAt = h.ReopenAt.UnixMilli()
	}

	key := s.key(h.Provider)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"state":           string(h.State),
		"reopen_at":       reopenAt,
		"success_count":   h.SuccessCount,
		"failure_count":   h.FailureCount,
		"ema_latency_ms":  h.EMALatency.Milliseconds(),
		"latency_samples": h.LatencySamples,
		"last_error_kind": h.LastErrorKind,
		"updated_at":      h.UpdatedAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save health for %s: %w", h.Provider, err)
	}
	return nil
}

// LoadHealth reads every provider hash under the prefix.
func (s *RedisHealthStore) LoadHealth(ctx context.Context) ([]ProviderHealth, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan provider health keys: %w", err)
	}

	out := make([]ProviderHealth, 0, len(keys))
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeHealth(strings.TrimPrefix(key, s.prefix), fields))
	}
	return out, nil
}

// Delete removes the stored snapshot for provider.
func (s *RedisHealthStore) Delete(ctx context.Context, provider string) error {
	if err := s.client.Del(ctx, s.key(provider)).Err(); err != nil {
		return fmt.Errorf("failed to delete health for %s: %w", provider, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisHealthStore) Close() error {
	return s.client.Close()
}

func decodeHealth(provider string, fields map[string]string) ProviderHealth {
	parseInt := func(name string) int64 {
		v, _ := strconv.ParseInt(fields[name], 10, 64)
		return v
	}

	h := ProviderHealth{
		Provider:       provider,
		State:          BreakerState(fields["state"]),
		SuccessCount:   parseInt("success_count"),
		FailureCount:   parseInt("failure_count"),
		EMALatency:     time.Duration(parseInt("ema_latency_ms")) * time.Millisecond,
		LatencySamples: parseInt("latency_samples"),
		LastErrorKind:  fields["last_error_kind"],
	}
	if h.State == "" {
		h.State = BreakerClosed
	}
	if ms := parseInt("reopen_at"); ms > 0 {
		h.ReopenAt = time.UnixMilli(ms)
	}
	if ms := parseInt("updated_at"); ms > 0 {
		h.UpdatedAt = time.UnixMilli(ms)
	}
	h.CircuitOpen = h.State == BreakerOpen
	h.Healthy = !h.CircuitOpen
	return h
}
