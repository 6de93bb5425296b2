package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/gateway/config"
	"github.com/vango-go/vai-rtc/pkg/gateway/principal"
	"github.com/vango-go/vai-rtc/pkg/gateway/ratelimit"
)

// RateLimit keys callers by API key, falling back to client IP.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isHealthPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		p := principal.Resolve(r, cfg)
		dec := limiter.AcquireRequest(p.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			rlErr := core.NewRateLimitError("rate limit exceeded", dec.RetryAfter)
			rlErr.RequestID = reqID
			writeJSONError(w, http.StatusTooManyRequests, rlErr)
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}
