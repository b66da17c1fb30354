package cache

import (
	"context"
	"time"
)

// Cache is the subset of Redis the worker uses for status tracking.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error
	Publish(ctx context.Context, channel string, value any) error
	Close() error
}
