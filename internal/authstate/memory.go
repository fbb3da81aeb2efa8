package authstate

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache 进程内 TTL 缓存，适用于单实例部署和测试
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryCache 创建进程内缓存
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

// Set 写入条目
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictExpired(now)

	stored := make([]byte, len(value))
	copy(stored, value)
	c.items[key] = memoryItem{value: stored, expiresAt: now.Add(ttl)}
	return nil
}

// GetDel 读取并删除条目
func (c *MemoryCache) GetDel(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	delete(c.items, key)

	if !c.now().Before(item.expiresAt) {
		return nil, false, nil
	}
	return item.value, true, nil
}

// Len 当前条目数量（含未清理的过期条目）
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictExpired 调用方必须持有锁
func (c *MemoryCache) evictExpired(now time.Time) {
	for key, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, key)
		}
	}
}
