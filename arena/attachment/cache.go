package attachment

import (
	"context"
	"time"

	"github.com/BaSui01/arena/internal/cache"
)

// SharedCache 跨消息共享的提取结果缓存，按附件路径寻址。
// 消息 metadata 仍是首要缓存，SharedCache 只用于同一文件被多条消息引用的场景。
type SharedCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// RedisCache 基于 cache.Manager 的 SharedCache
type RedisCache struct {
	manager *cache.Manager
	prefix  string
	ttl     time.Duration
}

// NewRedisCache 创建 redis 共享缓存
func NewRedisCache(manager *cache.Manager, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "arena:attachment:"
	}
	return &RedisCache{manager: manager, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.manager.Get(ctx, c.prefix+key)
	if cache.IsCacheMiss(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string) error {
	return c.manager.Set(ctx, c.prefix+key, value, c.ttl)
}
