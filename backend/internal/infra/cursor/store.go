// Package cursor 保存传输任务的断点，使每次调度都能从上一次停下的位置继续。
package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "audit:cursor"
	defaultOptionPrefix = "audit_cursor_"
)

// Store 以 JSON 形式读写命名断点。Load 在断点不存在时返回 false。
type Store interface {
	Load(ctx context.Context, name string, v any) (bool, error)
	Save(ctx context.Context, name string, v any) error
	Delete(ctx context.Context, name string) error
}

// RedisStore 使用 Redis 保存断点，多个实例共享进度。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 构造 Redis 断点存储，prefix 为空时使用默认前缀。
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

// Load 读取断点。
func (s *RedisStore) Load(ctx context.Context, name string, v any) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("redis client not configured")
	}
	raw, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load cursor %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode cursor %s: %w", name, err)
	}
	return true, nil
}

// Save 覆盖写入断点，不设置过期时间。
func (s *RedisStore) Save(ctx context.Context, name string, v any) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis client not configured")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cursor %s: %w", name, err)
	}
	return s.client.Set(ctx, s.key(name), raw, 0).Err()
}

// Delete 删除断点。
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis client not configured")
	}
	return s.client.Del(ctx, s.key(name)).Err()
}

// OptionBackend 是 options 表的最小读写能力。
type OptionBackend interface {
	Get(ctx context.Context, name string) (string, bool, error)
	Set(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
}

// OptionStore 把断点写入 options 表，用于没有 Redis 的部署。
type OptionStore struct {
	options OptionBackend
	prefix  string
}

// NewOptionStore 构造基于 options 表的断点存储。
func NewOptionStore(options OptionBackend) *OptionStore {
	return &OptionStore{options: options, prefix: defaultOptionPrefix}
}

// Load 读取断点。
func (s *OptionStore) Load(ctx context.Context, name string, v any) (bool, error) {
	raw, ok, err := s.options.Get(ctx, s.prefix+name)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode cursor %s: %w", name, err)
	}
	return true, nil
}

// Save 写入断点。
func (s *OptionStore) Save(ctx context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cursor %s: %w", name, err)
	}
	return s.options.Set(ctx, s.prefix+name, string(raw))
}

// Delete 删除断点。
func (s *OptionStore) Delete(ctx context.Context, name string) error {
	return s.options.Delete(ctx, s.prefix+name)
}

// MemoryStore 仅在当前进程内有效，用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryStore 创建进程内断点存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

// Load 读取断点。
func (s *MemoryStore) Load(_ context.Context, name string, v any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Save 写入断点。
func (s *MemoryStore) Save(_ context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[name] = raw
	s.mu.Unlock()
	return nil
}

// Delete 删除断点。
func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
	return nil
}
