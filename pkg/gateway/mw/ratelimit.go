package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/gateway/apierror"
	"github.com/vango-go/voicegw/pkg/gateway/config"
	"github.com/vango-go/voicegw/pkg/gateway/principal"
	"github.com/vango-go/voicegw/pkg/gateway/ratelimit"
)

// RateLimit applies per-principal request limits to the REST surface.
// Health, metrics, preflight and websocket upgrades are exempt; live
// connections are capped separately by the live handler.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || r.Method == http.MethodOptions || isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		key := principal.Resolve(r, cfg).Key
		dec := limiter.AcquireRequest(key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			retryAfter := max(dec.RetryAfter, 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			apierror.WriteError(w, core.NewRateLimitError("rate limit exceeded", retryAfter), reqID)
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}
