package principal

import (
	"net/http/httptest"
	"testing"

	"github.com/vango-go/voicegw/pkg/gateway/auth"
	"github.com/vango-go/voicegw/pkg/gateway/config"
)

func TestResolve_PrefersAuthenticatedUser(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/sessions/s1/summary", nil)
	r = r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{UserID: "alice"}))
	got := Resolve(r, config.Config{})
	if got.Kind != KindUser || got.Raw != "alice" || got.Key == "alice" {
		t.Fatalf("resolved=%+v", got)
	}
}

func TestResolve_AnonymousFallsBackToIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := ForUser(r, config.Config{}, auth.AnonymousUser); got.Kind != KindIP || got.Raw != "192.0.2.10" {
		t.Fatalf("untrusted proxy headers: %+v", got)
	}
	if got := ForUser(r, config.Config{TrustProxyHeaders: true}, ""); got.Raw != "203.0.113.7" {
		t.Fatalf("trusted proxy headers: %+v", got)
	}

	r.RemoteAddr = "not-an-ip"
	r.Header.Del("X-Forwarded-For")
	if got := Resolve(r, config.Config{}); got.Kind != KindAnon {
		t.Fatalf("resolved=%+v", got)
	}
}
