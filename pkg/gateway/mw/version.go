package mw

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/gateway/apierror"
)

const (
	versionHeader     = "X-VoiceGW-Version"
	versionQueryParam = "v"
	protocolVersion   = "1"
)

// APIVersion negotiates the live protocol version. REST callers send
// X-VoiceGW-Version; browser websocket clients cannot set headers, so /ws and
// /v1/live also accept ?v=. No version means the current one. Responses on
// versioned routes carry the version served.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !isVersionedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set(versionHeader, protocolVersion)
		for _, req := range requestedVersions(r) {
			if req.version == protocolVersion {
				continue
			}
			reqID, _ := RequestIDFrom(r.Context())
			msg := fmt.Sprintf("unsupported protocol version %q; this gateway speaks %s", req.version, protocolVersion)
			apierror.WriteError(w, core.NewInvalidRequestErrorWithParam(msg, req.param), reqID)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isVersionedPath(path string) bool {
	switch {
	case path == "/ws", path == "/v1/live":
		return true
	case strings.HasPrefix(path, "/v1/sessions/"), strings.HasPrefix(path, "/api/sessions/"):
		return true
	}
	return false
}

type versionRequest struct {
	version string
	param   string
}

// requestedVersions collects every version the caller asked for. Header
// values may be comma separated or repeated.
func requestedVersions(r *http.Request) []versionRequest {
	var out []versionRequest
	for _, value := range r.Header.Values(versionHeader) {
		for _, part := range strings.Split(value, ",") {
			if v := strings.TrimSpace(part); v != "" {
				out = append(out, versionRequest{version: v, param: versionHeader})
			}
		}
	}
	if isWebSocketUpgrade(r) {
		if v := strings.TrimSpace(r.URL.Query().Get(versionQueryParam)); v != "" {
			out = append(out, versionRequest{version: v, param: versionQueryParam})
		}
	}
	return out
}
