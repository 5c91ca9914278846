// Package ratelimit guards the ingestion edge with a fixed-window counter
// keyed by authenticated identity or source address. The window lives in a
// shared Redis store when available, with an in-process fallback per
// request on store errors.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type localWindow struct {
	count   int
	resetAt time.Time
}

type Limiter struct {
	rdb    *redis.Client // nil means local-only
	limit  int
	window time.Duration
	log    *zap.Logger

	mu    sync.Mutex
	local map[string]*localWindow
}

// New creates a limiter. rdb may be nil to run purely in-process.
func New(rdb *redis.Client, limit int, window time.Duration, log *zap.Logger) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		log:    log,
		local:  make(map[string]*localWindow),
	}
}

// Check counts one request against the key's current window.
func (l *Limiter) Check(ctx context.Context, key string) Result {
	if l.rdb != nil {
		if res, ok := l.checkRedis(ctx, key); ok {
			return res
		}
		// Store error: serve this request from the in-process window
		// rather than failing it.
	}
	return l.checkLocal(key)
}

func (l *Limiter) checkRedis(ctx context.Context, key string) (Result, bool) {
	rkey := "ratelimit:" + key

	// Expiry runs slightly past the window so a counter never outlives its
	// marker between the SetNX and a later Incr.
	created, err := l.rdb.SetNX(ctx, rkey, 1, l.window+time.Second).Result()
	if err != nil {
		l.log.Warn("Rate-limit store error, using local window", zap.Error(err))
		return Result{}, false
	}

	var count int64 = 1
	if !created {
		count, err = l.rdb.Incr(ctx, rkey).Result()
		if err != nil {
			l.log.Warn("Rate-limit store error, using local window", zap.Error(err))
			return Result{}, false
		}
	}

	resetAt := time.Now().Add(l.window)
	if ttl, err := l.rdb.PTTL(ctx, rkey).Result(); err == nil && ttl > 0 {
		resetAt = time.Now().Add(ttl)
	}

	return Result{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining(l.limit, int(count)),
		ResetAt:   resetAt,
	}, true
}

func (l *Limiter) checkLocal(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w := l.local[key]
	if w == nil || now.After(w.resetAt) {
		w = &localWindow{count: 1, resetAt: now.Add(l.window)}
		l.local[key] = w
	} else {
		w.count++
	}

	return Result{
		Allowed:   w.count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining(l.limit, w.count),
		ResetAt:   w.resetAt,
	}
}

func remaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}
