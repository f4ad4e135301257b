package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter caps completion requests per user and instance in fixed hourly windows.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

// Allow counts one request. A limit of 0 disables the limiter without touching redis.
func (r *RateLimiter) Allow(ctx context.Context, instanceID, userID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if r.limit <= 0 {
		return true, 0, windowEnd, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("coursechat:ratelimit:%d:%d:%s", instanceID, userID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// LogDeduplicator makes log job processing idempotent across redelivery.
type LogDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewLogDeduplicator(rdb *redis.Client, ttl time.Duration) *LogDeduplicator {
	return &LogDeduplicator{redis: rdb, ttl: ttl}
}

func (d *LogDeduplicator) key(jobID string) string {
	return "coursechat:logjob:" + jobID
}

// MarkFirst reports whether jobID is seen for the first time.
func (d *LogDeduplicator) MarkFirst(ctx context.Context, jobID string) (bool, error) {
	ok, err := d.redis.SetNX(ctx, d.key(jobID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// Forget releases jobID so a failed attempt can be retried.
func (d *LogDeduplicator) Forget(ctx context.Context, jobID string) error {
	if err := d.redis.Del(ctx, d.key(jobID)).Err(); err != nil {
		return fmt.Errorf("dedupe del: %w", err)
	}
	return nil
}
