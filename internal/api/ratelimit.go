package api

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimit returns middleware that caps the global request rate. Order
// submission is the hot path in a time-compressed game; a token bucket
// keeps a runaway client from starving everyone else.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
