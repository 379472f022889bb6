// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/paperatlas/enrichq/internal/config"
	"github.com/paperatlas/enrichq/internal/obs"
)

const keyPrefix = "enrichq:ratelimit:"

// Stats is a snapshot of one provider bucket.
type Stats struct {
	Provider      string    `json:"provider"`
	RequestsCount int64     `json:"requests_count"`
	MaxRequests   int64     `json:"max_requests"`
	WindowStart   time.Time `json:"window_start"`
	Window        string    `json:"window"`
	LastRequestAt time.Time `json:"last_request_at,omitempty"`
	BackoffUntil  time.Time `json:"backoff_until,omitempty"`
}

// Limiter enforces per-provider request windows shared through Redis, so
// every worker in every process draws from the same budget. The
// check-then-increment runs as one Lua script. A per-process pacer adds the
// configured minimum gap between consecutive grants.
type Limiter struct {
	rdb  *redis.Client
	log  *zap.Logger
	cfgs map[string]config.RateLimit
	now  func() time.Time

	mu     sync.Mutex
	pacers map[string]*rate.Limiter

	acquireScript *redis.Script
	backoffScript *redis.Script
}

func New(rdb *redis.Client, log *zap.Logger, cfgs map[string]config.RateLimit) *Limiter {
	l := &Limiter{
		rdb:    rdb,
		log:    log,
		cfgs:   cfgs,
		now:    time.Now,
		pacers: make(map[string]*rate.Limiter),
	}

	// Lazy window rotation, then a conditional increment. Returns
	// {granted, suggested_wait_ms}.
	l.acquireScript = redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local max = tonumber(ARGV[2])
		local win = tonumber(ARGV[3])
		local b = redis.call('HGET', key, 'backoff_until')
		if b and tonumber(b) > now then
			return {0, tonumber(b) - now}
		end
		local ws = tonumber(redis.call('HGET', key, 'window_start') or '0')
		if now >= ws + win then
			redis.call('HSET', key, 'window_start', now, 'requests_count', 0)
			ws = now
		end
		redis.call('HSET', key, 'max_requests', max, 'window_ms', win)
		local c = tonumber(redis.call('HGET', key, 'requests_count') or '0')
		if c < max then
			redis.call('HSET', key, 'requests_count', c + 1, 'last_request_at', now)
			return {1, 0}
		end
		return {0, ws + win - now}
	`)

	// Backoff saturates the counter so concurrent acquirers observe the
	// block immediately.
	l.backoffScript = redis.NewScript(`
		local key = KEYS[1]
		redis.call('HSET', key, 'backoff_until', ARGV[1], 'requests_count', ARGV[2])
		return 1
	`)
	return l
}

func bucketKey(provider string) string { return keyPrefix + provider }

func (l *Limiter) cfg(provider string) config.RateLimit {
	if c, ok := l.cfgs[provider]; ok {
		return c
	}
	// unknown providers get a conservative default rather than a free pass
	return config.RateLimit{MaxRequests: 60, Window: time.Minute, RetryInterval: 250 * time.Millisecond}
}

func (l *Limiter) pacer(provider string, minDelay time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pacers[provider]
	if !ok {
		p = rate.NewLimiter(rate.Every(minDelay), 1)
		l.pacers[provider] = p
	}
	return p
}

// Acquire blocks until a token is granted or timeout passes; the return
// value reports which. It never returns an error: storage faults count as
// over-limit so a flaky Redis throttles us instead of unleashing us on the
// provider.
func (l *Limiter) Acquire(ctx context.Context, provider string, timeout time.Duration) bool {
	c := l.cfg(provider)
	// the wait budget runs on the wall clock; only bucket arithmetic goes
	// through l.now
	deadline := time.Now().Add(timeout)
	for {
		if c.MinDelay > 0 {
			pctx, cancel := context.WithDeadline(ctx, deadline)
			err := l.pacer(provider, c.MinDelay).Wait(pctx)
			cancel()
			if err != nil {
				obs.RateLimitDenials.WithLabelValues(provider).Inc()
				return false
			}
		}
		res, err := l.acquireScript.Run(ctx, l.rdb, []string{bucketKey(provider)},
			l.now().UnixMilli(), c.MaxRequests, c.Window.Milliseconds()).Slice()
		if err != nil {
			l.log.Warn("rate limiter storage error, assuming over-limit",
				obs.String("provider", provider), obs.Err(err))
		} else if res[0].(int64) == 1 {
			return true
		}
		wait := c.RetryInterval
		if wait <= 0 || wait > 500*time.Millisecond {
			wait = 250 * time.Millisecond
		}
		if err == nil {
			if hint := time.Duration(res[1].(int64)) * time.Millisecond; hint > 0 && hint < wait {
				wait = hint
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			obs.RateLimitDenials.WithLabelValues(provider).Inc()
			return false
		}
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			obs.RateLimitDenials.WithLabelValues(provider).Inc()
			return false
		case <-time.After(wait):
		}
	}
}

// ReportLimitHit records a provider-side throttle (429). Every worker backs
// off until now+backoff.
func (l *Limiter) ReportLimitHit(ctx context.Context, provider string, backoff time.Duration) {
	c := l.cfg(provider)
	until := l.now().Add(backoff).UnixMilli()
	if err := l.backoffScript.Run(ctx, l.rdb, []string{bucketKey(provider)},
		until, c.MaxRequests).Err(); err != nil {
		l.log.Error("record backoff failed", obs.String("provider", provider), obs.Err(err))
		return
	}
	obs.RateLimitBackoffs.WithLabelValues(provider).Inc()
	l.log.Warn("provider rate limit hit, backing off",
		obs.String("provider", provider), obs.String("backoff", backoff.String()))
}

// ClearBackoff lifts a backoff early.
func (l *Limiter) ClearBackoff(ctx context.Context, provider string) error {
	return l.rdb.HDel(ctx, bucketKey(provider), "backoff_until").Err()
}

// Stats reads the current bucket state for a provider.
func (l *Limiter) Stats(ctx context.Context, provider string) (Stats, error) {
	h, err := l.rdb.HGetAll(ctx, bucketKey(provider)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("rate limit stats: %w", err)
	}
	c := l.cfg(provider)
	st := Stats{
		Provider:    provider,
		MaxRequests: int64(c.MaxRequests),
		Window:      c.Window.String(),
	}
	st.RequestsCount, _ = strconv.ParseInt(h["requests_count"], 10, 64)
	st.WindowStart = msField(h["window_start"])
	st.LastRequestAt = msField(h["last_request_at"])
	st.BackoffUntil = msField(h["backoff_until"])
	return st, nil
}

func msField(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
