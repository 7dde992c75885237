// Package throttle counts failed activation attempts per client in fixed
// time windows. Counters live in Redis so every authority replica sees the
// same totals; an in-process counter takes over when Redis is unavailable.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/DhaneshPachipulusu/license-poc/internal/config"
)

const keyPrefix = "license:activation:failures:"

// Limiter decides whether a client may attempt another activation
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	RecordFailure(ctx context.Context, key string) error
}

// windowStart returns the start of the fixed window containing now
func windowStart(now time.Time, window time.Duration) int64 {
	return now.Unix() - now.Unix()%int64(window/time.Second)
}

// RedisLimiter keeps one counter per client and window in Redis
type RedisLimiter struct {
	client      redis.Cmdable
	window      time.Duration
	maxFailures int
	now         func() time.Time
}

// NewRedisLimiter creates a Redis backed limiter. window must be at least
// one second.
func NewRedisLimiter(client redis.Cmdable, window time.Duration, maxFailures int) *RedisLimiter {
	if window < time.Second {
		window = time.Second
	}
	return &RedisLimiter{client: client, window: window, maxFailures: maxFailures, now: time.Now}
}

func (l *RedisLimiter) key(client string) string {
	return keyPrefix + client + ":" + strconv.FormatInt(windowStart(l.now(), l.window), 10)
}

// Allow reports whether client is under the failure limit
func (l *RedisLimiter) Allow(ctx context.Context, client string) (bool, error) {
	n, err := l.client.Get(ctx, l.key(client)).Int()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read failure counter: %w", err)
	}
	return n < l.maxFailures, nil
}

// RecordFailure counts one failed attempt
func (l *RedisLimiter) RecordFailure(ctx context.Context, client string) error {
	key := l.key(client)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*l.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment failure counter: %w", err)
	}
	return nil
}

type counter struct {
	window int64
	n      int
}

// MemoryLimiter is the in-process fallback. Counts are per replica.
type MemoryLimiter struct {
	mu          sync.Mutex
	counters    map[string]counter
	window      time.Duration
	maxFailures int
	now         func() time.Time
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(window time.Duration, maxFailures int) *MemoryLimiter {
	if window < time.Second {
		window = time.Second
	}
	return &MemoryLimiter{
		counters:    make(map[string]counter),
		window:      window,
		maxFailures: maxFailures,
		now:         time.Now,
	}
}

// Allow reports whether client is under the failure limit
func (l *MemoryLimiter) Allow(_ context.Context, client string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[client]
	if !ok || c.window != windowStart(l.now(), l.window) {
		return true, nil
	}
	return c.n < l.maxFailures, nil
}

// RecordFailure counts one failed attempt
func (l *MemoryLimiter) RecordFailure(_ context.Context, client string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := windowStart(l.now(), l.window)
	c := l.counters[client]
	if c.window != current {
		c = counter{window: current}
	}
	c.n++
	l.counters[client] = c

	// drop counters from past windows
	for k, v := range l.counters {
		if v.window != current {
			delete(l.counters, k)
		}
	}
	return nil
}

// FallbackLimiter uses primary and switches to secondary for any call the
// primary fails
type FallbackLimiter struct {
	primary   Limiter
	secondary Limiter
	logger    *slog.Logger
}

// NewFallbackLimiter combines two limiters
func NewFallbackLimiter(primary, secondary Limiter, logger *slog.Logger) *FallbackLimiter {
	return &FallbackLimiter{primary: primary, secondary: secondary, logger: logger}
}

// Allow asks the primary, then the secondary on error
func (l *FallbackLimiter) Allow(ctx context.Context, client string) (bool, error) {
	ok, err := l.primary.Allow(ctx, client)
	if err == nil {
		return ok, nil
	}
	l.logger.WarnContext(ctx, "Throttle backend unavailable, using in-memory counters",
		slog.String("error", err.Error()))
	return l.secondary.Allow(ctx, client)
}

// RecordFailure records in both so the fallback is warm when needed
func (l *FallbackLimiter) RecordFailure(ctx context.Context, client string) error {
	if err := l.secondary.RecordFailure(ctx, client); err != nil {
		return err
	}
	if err := l.primary.RecordFailure(ctx, client); err != nil {
		l.logger.WarnContext(ctx, "Throttle backend unavailable, failure counted in memory only",
			slog.String("error", err.Error()))
	}
	return nil
}

// New builds the limiter for cfg. An empty address yields an in-memory
// limiter. The returned close function releases the Redis client.
func New(cfg config.RedisConfig, logger *slog.Logger) (Limiter, func() error) {
	memory := NewMemoryLimiter(cfg.FailureWindow, cfg.MaxFailures)
	if cfg.Addr == "" {
		logger.Info("Activation throttle using in-memory counters")
		return memory, func() error { return nil }
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	logger.Info("Activation throttle using redis", slog.String("addr", cfg.Addr))

	limiter := NewFallbackLimiter(NewRedisLimiter(client, cfg.FailureWindow, cfg.MaxFailures), memory, logger)
	return limiter, client.Close
}
