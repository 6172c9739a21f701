package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Cache is a TTL key/value store. Values are JSON encoded; Get decodes into
// dest, which must be a pointer.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}) error

	Get(ctx context.Context, key string, dest interface{}) error

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	GetTTL(ctx context.Context, key string) (time.Duration, error)

	Increment(ctx context.Context, key string) (int64, error)

	// Keys lists the live keys starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Keys      int64  `json:"keys"`
	Info      string `json:"info"`
}

var ErrCacheMiss = errors.New("cache miss")

// Key joins key parts with ':' the way redis keys are usually namespaced.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
