package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/copypaste/relay-server-go/internal/audit"
	"github.com/copypaste/relay-server-go/internal/httputil"
	"github.com/copypaste/relay-server-go/internal/ratelimit"
)

// IPRateLimitMiddleware throttles requests per client address. It guards the
// websocket upgrade so one address cannot flood the device table.
type IPRateLimitMiddleware struct {
	limiter ratelimit.Limiter
	limit   int
	window  time.Duration
	prefix  string
}

func NewIPRateLimitMiddleware(limiter ratelimit.Limiter, limit int, window time.Duration, prefix string) *IPRateLimitMiddleware {
	return &IPRateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
		prefix:  prefix,
	}
}

func (m *IPRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := fmt.Sprintf("ip:%s:%s", m.prefix, httputil.ClientIP(r))
		allowed, resetAt := m.limiter.Allow(r.Context(), key, m.limit, m.window)

		if !allowed {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"scope": m.prefix},
			})
			w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfter(resetAt)))
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Too many requests. Please try again later.",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
