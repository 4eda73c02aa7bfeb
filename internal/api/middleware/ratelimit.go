package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"economy/pkg/ratelimit"
)

// RateLimit ограничивает частоту изменяющих запросов на актора
//
// GET/HEAD/OPTIONS не ограничиваются. Ключ - актор из ActorAuth,
// без него - IP клиента. При превышении 429 и Retry-After в секундах.
// Ёмкость и остаток ведра отдаются в X-RateLimit-Limit / X-RateLimit-Remaining.
func RateLimit(limiter *ratelimit.KeyedLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			key := clientKey(r)
			bucket := limiter.Get(key)
			allowed := bucket.Allow()
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(bucket.Burst())))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(bucket.Tokens())))
			if !allowed {
				retryAfter := bucket.RetryAfter()
				seconds := int(retryAfter / time.Second)
				if retryAfter%time.Second != 0 {
					seconds++
				}
				rateLimited.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if actorID, ok := ActorIDFrom(r.Context()); ok {
		return "actor:" + strconv.FormatInt(actorID, 10)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
