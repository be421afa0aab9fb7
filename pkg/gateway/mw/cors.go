package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/voicegw/pkg/gateway/apierror"
	"github.com/vango-go/voicegw/pkg/gateway/config"
)

var corsAllowedHeaders = strings.Join([]string{"Authorization", "X-Request-ID", versionHeader}, ", ")

var corsExposedHeaders = strings.Join([]string{"X-Request-ID", "Retry-After", versionHeader}, ", ")

// OriginAllowed reports whether a browser origin is on the allowlist. The
// live handler applies the same list to websocket upgrades.
func OriginAllowed(cfg config.Config, origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return false
	}
	_, ok := cfg.CORSAllowedOrigins[origin]
	return ok
}

// CORS lets allowlisted browser origins read session summaries. The REST
// surface is read-only, so preflights admit GET only. Websocket upgrades pass
// through untouched.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" || isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		allowed := OriginAllowed(cfg, origin)

		if requested := r.Header.Get("Access-Control-Request-Method"); r.Method == http.MethodOptions && requested != "" {
			if !allowed || strings.TrimSpace(requested) != http.MethodGet {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, http.StatusForbidden, &apierror.Body{
					Code:      "forbidden",
					Message:   "cross-origin request not allowed",
					Param:     "Origin",
					RequestID: reqID,
				})
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", http.MethodGet)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
