/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-10 17:01:17
 * @FilePath: \audit-trail-app\backend\internal\infra\ratelimit\limiter.go
 * @LastEditTime: 2026-10-16 11:17:41
 */
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AllowResult 描述限流请求的结果。
type AllowResult struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// Limiter 定义固定窗口限流器。
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (AllowResult, error)
}

// New 在有 Redis 客户端时返回 RedisLimiter，否则退回进程内计数。
func New(client *redis.Client, prefix string) Limiter {
	if client == nil {
		return NewMemoryLimiter()
	}
	return NewRedisLimiter(client, prefix)
}

// RedisLimiter 使用 Redis 计数器实现限流，多实例部署时共享窗口。
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter 根据 Redis 客户端构造限流器。
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "audit:ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

// Allow 以 INCR + EXPIRE 实现固定窗口。
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (AllowResult, error) {
	if limit <= 0 {
		return AllowResult{Allowed: true, Remaining: -1}, nil
	}
	if window <= 0 {
		window = time.Minute
	}

	namespaced := r.prefix + ":" + key
	pipe := r.client.TxPipeline()
	counter := pipe.Incr(ctx, namespaced)
	pipe.Expire(ctx, namespaced, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return AllowResult{}, err
	}

	count := int(counter.Val())
	if count > limit {
		ttl, err := r.client.TTL(ctx, namespaced).Result()
		if err != nil {
			return AllowResult{}, err
		}
		if ttl < 0 {
			ttl = window
		}
		return AllowResult{Allowed: false, RetryAfter: ttl}, nil
	}
	return AllowResult{Allowed: true, Remaining: limit - count}, nil
}

// MemoryLimiter 是 Redis 不可用时的替代方案，仅在单实例下有效。
type MemoryLimiter struct {
	mu    sync.Mutex
	store map[string]entry
	now   func() time.Time
}

type entry struct {
	count   int
	expires time.Time
}

// NewMemoryLimiter 构建内存版限流器。
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{store: make(map[string]entry), now: time.Now}
}

// Allow 按 key 统计窗口内的请求次数。
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (AllowResult, error) {
	if limit <= 0 {
		return AllowResult{Allowed: true, Remaining: -1}, nil
	}
	if window <= 0 {
		window = time.Minute
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	ent, ok := m.store[key]
	if !ok || !now.Before(ent.expires) {
		ent = entry{expires: now.Add(window)}
	}
	ent.count++
	m.store[key] = ent

	if ent.count > limit {
		return AllowResult{Allowed: false, RetryAfter: ent.expires.Sub(now)}, nil
	}
	return AllowResult{Allowed: true, Remaining: limit - ent.count}, nil
}
