package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apihub-kr/apihub/internal/metrics"
	"github.com/apihub-kr/apihub/pkg/domain"

	"github.com/go-redis/redis/v8"
)

// Bucket is a provider's bucket shape: refill rate per second and burst
// capacity. The broker-side published caps are KIS 20/5 and Kiwoom 10/3.
type Bucket struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Capacity      float64 `yaml:"capacity"`
}

func (b Bucket) Enabled() bool {
	return b.RatePerSecond > 0 && b.Capacity > 0
}

func DefaultBuckets() map[domain.Provider]Bucket {
	return map[domain.Provider]Bucket{
		domain.ProviderKIS:    {RatePerSecond: 20, Capacity: 5},
		domain.ProviderKiwoom: {RatePerSecond: 10, Capacity: 3},
	}
}

// tokenBucketScript refills and decrements in one server-side step so
// that concurrent workers never split the read-modify-write.
// Timestamps are integer milliseconds: a double cannot represent
// fractional epoch seconds exactly, and the rounding error is enough
// to deny an acquisition the refill actually covered.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local bucket = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if not tokens then tokens = capacity end
if not last_refill then last_refill = now_ms end

local elapsed_ms = math.max(0, now_ms - last_refill)
tokens = math.min(capacity, tokens + elapsed_ms * rate / 1000.0)

if tokens >= 1 then
  tokens = tokens - 1
  redis.call("HMSET", key, "tokens", tokens, "last_refill", now_ms)
  return 1
else
  redis.call("HMSET", key, "tokens", tokens, "last_refill", now_ms)
  return 0
end
`)

const pollInterval = 50 * time.Millisecond

// Limiter is the distributed per-provider token bucket shared by every
// worker through Redis.
type Limiter struct {
	rdb     *redis.Client
	buckets map[domain.Provider]Bucket
	logger  *slog.Logger
	now     func() time.Time
}

func NewLimiter(rdb *redis.Client, buckets map[domain.Provider]Bucket, logger *slog.Logger) *Limiter {
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{rdb: rdb, buckets: buckets, logger: logger, now: time.Now}
}

func (l *Limiter) key(provider domain.Provider) string {
	return fmt.Sprintf("rate_limit:%s", provider)
}

// Acquire takes one token from the provider's bucket. On store errors it
// fails open: a halted gateway is worse than leaning on the broker-side
// limits for a while.
func (l *Limiter) Acquire(ctx context.Context, provider domain.Provider) bool {
	bucket, ok := l.buckets[provider]
	if !ok || !bucket.Enabled() {
		return true
	}

	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{l.key(provider)},
		bucket.Capacity, bucket.RatePerSecond, l.now().UnixMilli()).Result()
	if err != nil {
		l.logger.Warn("rate limiter store error, failing open", "provider", provider, "err", err)
		return true
	}
	allowed, _ := res.(int64)
	if allowed != 1 {
		metrics.RateLimitRejectedTotal.WithLabelValues(string(provider)).Inc()
		return false
	}
	return true
}

// WaitAcquire polls Acquire every 50ms until a token is granted or the
// timeout elapses.
func (l *Limiter) WaitAcquire(ctx context.Context, provider domain.Provider, timeout time.Duration) bool {
	deadline := l.now().Add(timeout)
	for {
		if l.Acquire(ctx, provider) {
			return true
		}
		if l.now().After(deadline) {
			metrics.RateLimitWaitTimeoutsTotal.WithLabelValues(string(provider)).Inc()
			return false
		}
		t := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
