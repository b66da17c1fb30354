package notify

import (
	"context"
	"time"
	"transcriptworker/pkg/cache"
	"transcriptworker/pkg/logger"
	"transcriptworker/pkg/model"

	"go.uber.org/zap"
)

const reportTimeout = 3 * time.Second

// Reporter records processing phases for a job.
type Reporter interface {
	Report(ctx context.Context, update model.StatusUpdate) error
}

// Nop discards every update. Used when Redis is not configured.
type Nop struct{}

func (Nop) Report(context.Context, model.StatusUpdate) error { return nil }

// RedisReporter stores the latest update under cache.StatusCacheKey and
// publishes it on a pub/sub channel.
type RedisReporter struct {
	cache   cache.Cache
	channel string
	ttl     time.Duration
	now     func() time.Time
}

func NewRedisReporter(c cache.Cache, channel string, ttl time.Duration) *RedisReporter {
	return &RedisReporter{cache: c, channel: channel, ttl: ttl, now: time.Now}
}

func (r *RedisReporter) Report(ctx context.Context, update model.StatusUpdate) error {
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = r.now().UTC()
	}

	// Status writes must not hang on a cancelled or slow parent.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err := r.cache.SetWithTTL(ctx, cache.StatusCacheKey(update.JobID), update, r.ttl); err != nil {
		return err
	}

	if r.channel != "" {
		if err := r.cache.Publish(ctx, r.channel, update); err != nil {
			return err
		}
	}

	logger.Debug("Status reported",
		logger.JobID(update.JobID),
		zap.String("phase", string(update.Phase)))
	return nil
}
