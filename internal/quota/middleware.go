package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/marmak/mirror/internal/metrics"
	"github.com/marmak/mirror/internal/mirror"
)

// IdentityFromContext extracts the caller identity from the request
// context. This function type decouples the package from auth.
type IdentityFromContext func(ctx context.Context) mirror.Identity

// RateLimitMiddleware returns middleware that enforces per-tier request
// rates. Anonymous requests pass through unlimited.
func RateLimitMiddleware(limiter *RateLimiter, admission *Admission, identityOf IdentityFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identityOf(r.Context())
			if id.IsAnonymous() {
				next.ServeHTTP(w, r)
				return
			}

			rpm := admission.RequestsPerMin(id)
			if !limiter.Allow(id.Username, rpm) {
				metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(id.Username, rpm)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error": "rate limit exceeded",
					"code":  http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
