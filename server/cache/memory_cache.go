package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type MemoryCache struct {
	items   map[string]*CacheItem
	mutex   sync.RWMutex
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger
	cleanup *time.Ticker
	stopCh  chan struct{}
	closed  bool
}

type CacheItem struct {
	Value     []byte
	ExpiresAt time.Time
	LastUsed  time.Time
}

func (i *CacheItem) expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

func NewMemoryCache(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := &MemoryCache{
		items:   make(map[string]*CacheItem),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	cache.cleanup = time.NewTicker(1 * time.Minute)
	go cache.cleanupExpired()

	return cache
}

func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *MemoryCache) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.items[key]; !exists && c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	now := time.Now()
	c.items[key] = &CacheItem{
		Value:     data,
		ExpiresAt: now.Add(ttl),
		LastUsed:  now,
	}
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mutex.Lock()
	item, exists := c.items[key]
	if !exists {
		c.mutex.Unlock()
		return ErrCacheMiss
	}
	now := time.Now()
	if item.expired(now) {
		delete(c.items, key)
		c.mutex.Unlock()
		return ErrCacheMiss
	}
	item.LastUsed = now
	data := item.Value
	c.mutex.Unlock()

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
	return nil
}

func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	return exists && !item.expired(time.Now()), nil
}

func (c *MemoryCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists || item.expired(time.Now()) {
		return 0, ErrCacheMiss
	}
	return time.Until(item.ExpiresAt), nil
}

// Increment adds one to the integer stored at key, starting from zero when
// the key is missing or expired. An existing key keeps its expiry.
func (c *MemoryCache) Increment(ctx context.Context, key string) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	item, exists := c.items[key]
	if !exists || item.expired(now) {
		c.items[key] = &CacheItem{
			Value:     []byte("1"),
			ExpiresAt: now.Add(c.ttl),
			LastUsed:  now,
		}
		return 1, nil
	}

	count, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("increment %s: value is not an integer", key)
	}
	count++
	item.Value = []byte(strconv.FormatInt(count, 10))
	item.LastUsed = now
	return count, nil
}

func (c *MemoryCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := time.Now()
	var keys []string
	for key, item := range c.items {
		if strings.HasPrefix(key, prefix) && !item.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

func (c *MemoryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := time.Now()
	expiredCount := 0
	for _, item := range c.items {
		if item.expired(now) {
			expiredCount++
		}
	}

	return &CacheStats{
		Backend:   "memory",
		Connected: true,
		Keys:      int64(len(c.items) - expiredCount),
		Info: fmt.Sprintf("items=%d,expired=%d,max_size=%d",
			len(c.items), expiredCount, c.maxSize),
	}, nil
}

func (c *MemoryCache) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cleanup.Stop()
	close(c.stopCh)
	return nil
}

// evictLRU drops the least recently used item. Callers hold the write lock.
func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.LastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.LastUsed
		}
	}

	if oldestKey != "" {
		c.logger.Debug("Evicting cache entry", zap.String("key", oldestKey))
		delete(c.items, oldestKey)
	}
}

func (c *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			c.mutex.Lock()
			now := time.Now()
			for key, item := range c.items {
				if item.expired(now) {
					delete(c.items, key)
				}
			}
			c.mutex.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
