package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paygate/idempotency-gateway/internal/routes"
	apperrors "github.com/paygate/idempotency-gateway/pkg/errors"
)

const (
	defaultIPLimit   = 60
	defaultKeyLimit  = 10
	rateLimitWindow  = time.Minute
	rateLimitKeyPref = "gateway:rate:"
)

// RateLimiter throttles guarded routes per client IP and per idempotency
// key. The per-key limit caps how hard a client can hammer one key while
// its first attempt is still running. Counters live in redis so the limit
// holds across gateway instances. Routes outside the action table (health,
// metrics, unguarded endpoints) are never counted.
type RateLimiter struct {
	rdb      redis.Cmdable
	resolver *routes.Resolver
	ipLimit  int
	keyLimit int
	window   time.Duration
}

func NewRateLimiter(rdb redis.Cmdable, resolver *routes.Resolver) *RateLimiter {
	return &RateLimiter{
		rdb:      rdb,
		resolver: resolver,
		ipLimit:  defaultIPLimit,
		keyLimit: defaultKeyLimit,
		window:   rateLimitWindow,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, guarded := l.resolver.Resolve(r.Method, r.URL.Path); !guarded {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		ip := clientIP(r)

		ipCount, err := l.incrementCounter(ctx, rateLimitKeyPref+"ip:"+ip)
		if err != nil {
			// Redis outage must not take payments down with it.
			next.ServeHTTP(w, r)
			return
		}
		if ipCount > int64(l.ipLimit) {
			tooManyRequests(w)
			return
		}

		if key := r.Header.Get(HeaderRequestID); key != "" {
			keyCount, err := l.incrementCounter(ctx, rateLimitKeyPref+"key:"+key)
			if err == nil && keyCount > int64(l.keyLimit) {
				tooManyRequests(w)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) incrementCounter(ctx context.Context, key string) (int64, error) {
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func tooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	writeJSONError(w, http.StatusTooManyRequests,
		apperrors.New(apperrors.CodeRateLimited, "too many requests"))
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
