// Package ratelimit implements a per-domain token bucket rate limiter.
// Bucket state is kept in Redis via an atomic Lua script when available, so
// it survives process restarts and is shared across replicas; it falls
// back to an in-process domainLimiter, unchanged from the teacher's
// original map-of-mutexes design, when Redis is unreachable or unconfigured.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ferrum-labs/iris/cache"
	"github.com/ferrum-labs/iris/config"
	irisurl "github.com/ferrum-labs/iris/url"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// acquireScript atomically refills and decrements a domain's token bucket.
// KEYS[1] = bucket hash key. ARGV: capacity, refill_rate (tokens/sec), now (unix seconds).
// Returns {allowed (0/1), wait_seconds}.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
  tokens = capacity
  last_refill = now
end

local delta = now - last_refill
if delta < 0 then delta = 0 end
tokens = tokens + delta * rate
if tokens > capacity then tokens = capacity end

if tokens >= 1 then
  tokens = tokens - 1
  redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
  redis.call('EXPIRE', key, 3600)
  return {1, "0"}
else
  local wait = (1 - tokens) / rate
  redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
  redis.call('EXPIRE', key, 3600)
  return {0, tostring(wait)}
end
`)

// Limiter manages rate limiting for multiple domains, keyed by registrable
// domain (eTLD+1) rather than raw host, so "a.example.com" and
// "b.example.com" share one budget.
type Limiter struct {
	config      config.RateLimitConfig
	redisClient *redis.Client

	mu       sync.RWMutex
	limiters map[string]*domainLimiter
	stopCh   chan struct{}
}

// domainLimiter holds in-process rate limiting state for a single domain,
// used as the fallback path when the Redis bucket is unavailable.
type domainLimiter struct {
	limiter    *rate.Limiter
	semaphore  chan struct{}
	retryAfter time.Time
	lastAccess time.Time
	mu         sync.RWMutex
}

// New creates a Limiter with the given configuration. store may be nil, in
// which case the distributed bucket is skipped and every domain uses the
// in-process fallback.
func New(cfg config.RateLimitConfig, store *cache.RedisStore) *Limiter {
	l := &Limiter{
		config:   cfg,
		limiters: make(map[string]*domainLimiter),
		stopCh:   make(chan struct{}),
	}
	if store != nil {
		l.redisClient = store.Client()
	}
	go l.cleanupInactiveDomains()
	return l
}

// Acquire blocks until the rate limit allows a request to the given URL.
func (l *Limiter) Acquire(ctx context.Context, urlStr string) error {
	if !l.config.IsEnabled() {
		return nil
	}

	domain, err := domainOf(urlStr)
	if err != nil {
		return err
	}

	dl := l.getLimiterForDomain(domain)

	dl.mu.RLock()
	retryAfter := dl.retryAfter
	dl.mu.RUnlock()
	if !retryAfter.IsZero() && time.Now().Before(retryAfter) {
		select {
		case <-time.After(time.Until(retryAfter)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if l.redisClient != nil {
		if err := l.acquireDistributed(ctx, domain); err == nil {
			return dl.acquireConcurrencySlot(ctx)
		}
		// Redis unavailable or erroring: fall through to the in-process path.
	}

	return dl.wait(ctx)
}

func domainOf(urlStr string) (string, error) {
	host, err := irisurl.ExtractHost(urlStr)
	if err != nil {
		return "", fmt.Errorf("failed to extract domain: %w", err)
	}
	return irisurl.ExtractRegistrableDomain(host), nil
}

func (l *Limiter) acquireDistributed(ctx context.Context, domain string) error {
	capacity := l.config.Burst
	if capacity <= 0 {
		capacity = 1
	}
	refillRate := l.config.RequestsPerSecond
	if refillRate <= 0 {
		refillRate = 1
	}

	key := "ratelimit:bucket:" + domain

	for {
		res, err := acquireScript.Run(ctx, l.redisClient, []string{key}, capacity, refillRate, float64(time.Now().UnixNano())/1e9).Result()
		if err != nil {
			return fmt.Errorf("redis token bucket script failed: %w", err)
		}

		values, ok := res.([]interface{})
		if !ok || len(values) != 2 {
			return fmt.Errorf("unexpected token bucket script response")
		}

		allowed, _ := values[0].(int64)
		if allowed == 1 {
			return nil
		}

		waitSeconds, _ := values[1].(string)
		select {
		case <-time.After(parseFloatDuration(waitSeconds)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func parseFloatDuration(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(f * float64(time.Second))
}

// Release releases resources held for a domain (the concurrency semaphore slot).
func (l *Limiter) Release(urlStr string) {
	if !l.config.IsEnabled() {
		return
	}
	domain, err := domainOf(urlStr)
	if err != nil {
		return
	}
	l.getLimiterForDomain(domain).release()
}

// UpdateRetryAfter records a Retry-After time for a domain from an HTTP response.
func (l *Limiter) UpdateRetryAfter(urlStr string, headers http.Header) {
	if !l.config.RespectRetryAfter {
		return
	}
	domain, err := domainOf(urlStr)
	if err != nil {
		return
	}

	retryAfterStr := headers.Get("Retry-After")
	if retryAfterStr == "" {
		return
	}

	retryAfter := parseRetryAfter(retryAfterStr)
	if retryAfter.IsZero() {
		return
	}

	l.getLimiterForDomain(domain).setRetryAfter(retryAfter)
}

func (l *Limiter) getLimiterForDomain(domain string) *domainLimiter {
	l.mu.RLock()
	dl, exists := l.limiters[domain]
	l.mu.RUnlock()
	if exists {
		return dl
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dl, exists = l.limiters[domain]
	if exists {
		return dl
	}

	dl = newDomainLimiter(l.config)
	l.limiters[domain] = dl
	return dl
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	close(l.stopCh)
}

func newDomainLimiter(cfg config.RateLimitConfig) *domainLimiter {
	dl := &domainLimiter{lastAccess: time.Now()}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst == 0 {
			burst = 1
		}
		dl.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if cfg.MaxConcurrent > 0 {
		dl.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}

	return dl
}

// wait performs the full in-process rate-limit check: the concurrency
// semaphore, then the token bucket.
func (dl *domainLimiter) wait(ctx context.Context) error {
	dl.mu.Lock()
	dl.lastAccess = time.Now()
	dl.mu.Unlock()

	if err := dl.acquireConcurrencySlot(ctx); err != nil {
		return err
	}

	if dl.limiter != nil {
		if err := dl.limiter.Wait(ctx); err != nil {
			dl.release()
			return err
		}
	}

	return nil
}

func (dl *domainLimiter) acquireConcurrencySlot(ctx context.Context) error {
	if dl.semaphore == nil {
		return nil
	}
	select {
	case dl.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (dl *domainLimiter) release() {
	if dl.semaphore == nil {
		return
	}
	select {
	case <-dl.semaphore:
	default:
	}
}

func (dl *domainLimiter) setRetryAfter(retryAfter time.Time) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if retryAfter.After(dl.retryAfter) {
		dl.retryAfter = retryAfter
	}
}

func parseRetryAfter(value string) time.Time {
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Now().Add(time.Duration(seconds) * time.Second)
	}
	if t, err := http.ParseTime(value); err == nil {
		return t
	}
	return time.Time{}
}

func (l *Limiter) cleanupInactiveDomains() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for domain, dl := range l.limiters {
				dl.mu.RLock()
				inactive := now.Sub(dl.lastAccess) > 30*time.Minute
				dl.mu.RUnlock()
				if inactive {
					delete(l.limiters, domain)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
