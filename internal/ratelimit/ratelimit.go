// Package ratelimit is a fixed-window request limiter shared by all instances
// through Redis. It fails open: when the counter store is down, requests pass.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kareempjackson/undr-api-sub001/internal/httputil"
	"github.com/kareempjackson/undr-api-sub001/internal/metrics"
)

// Counter increments key and returns the new count. The window starts with
// the first increment.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// incrScript counts and arms the window in one round trip. A key left
// without a TTL gets one on its next hit.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 or redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

type RedisCounter struct {
	client redis.Scripter
}

func NewRedisCounter(client redis.Scripter) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64()
}

type Limiter struct {
	counter Counter
	scope   string
	limit   int
	window  time.Duration
	log     *zap.Logger
}

func New(counter Counter, scope string, limit int, window time.Duration, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{counter: counter, scope: scope, limit: limit, window: window, log: log}
}

// Allow counts one request for id and reports whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, id string) (bool, int64) {
	key := fmt.Sprintf("ratelimit:%s:%s", l.scope, id)
	n, err := l.counter.Incr(ctx, key, l.window)
	if err != nil {
		l.log.Warn("rate limiter unavailable, allowing request",
			zap.String("scope", l.scope),
			zap.Error(err))
		return true, 0
	}
	return n <= int64(l.limit), n
}

// Middleware limits requests per key. Requests with an empty key pass through.
func (l *Limiter) Middleware(key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := key(r)
			if id == "" || l.limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ok, n := l.Allow(r.Context(), id)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
			if !ok {
				metrics.RateLimited.WithLabelValues(l.scope).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
				httputil.WriteError(w, http.StatusTooManyRequests, "too many requests, try again later")
				return
			}
			if n > 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(l.limit)-n, 10))
			}
			next.ServeHTTP(w, r)
		})
	}
}
