package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pixelforge/backend/internal/apierror"
	"github.com/pixelforge/backend/internal/metrics"
	"github.com/pixelforge/backend/internal/ratelimit"
)

// Limiter is satisfied by *ratelimit.TokenBucket.
type Limiter interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*ratelimit.Result, error)
}

// RateLimit allows perMinute requests per user on route, bursting up to
// perMinute. It runs after RequireUser. Limiter errors fail open.
func RateLimit(l Limiter, route string, perMinute int, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if l == nil || perMinute <= 0 {
			return next
		}
		rate := float64(perMinute) / 60
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromCtx(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			res, err := l.Allow(r.Context(), "ratelimit:"+route+":"+userID.String(), rate, perMinute)
			if err != nil {
				log.Warn("rate limiter unavailable", "error", err, "route", route)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				metrics.RateLimited.WithLabelValues(route).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
				apierror.Write(w, http.StatusTooManyRequests, apierror.CodeRateLimited, "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
