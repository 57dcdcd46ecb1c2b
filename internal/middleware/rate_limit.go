package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// EdgeThrottleConfig holds the coarse per-IP throttle applied in front of the
// public approval endpoints. This is a cheap outer guard for the service
// itself; the domain limiter in services does the real policy work.
type EdgeThrottleConfig struct {
	RequestsPerMinute int
}

// DefaultApprovalThrottle returns the throttle for the unauthenticated
// approval endpoints (20 requests per minute per IP)
func DefaultApprovalThrottle() EdgeThrottleConfig {
	return EdgeThrottleConfig{
		RequestsPerMinute: 20,
	}
}

// ThrottleByIP creates a middleware that throttles requests by client IP
func ThrottleByIP(config EdgeThrottleConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limit_exceeded","message":"Too many requests"}`))
		}),
	)
}
