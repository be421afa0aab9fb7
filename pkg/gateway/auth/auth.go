// Package auth resolves bearer tokens to the user a connection or request acts for.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/gateway/config"
)

// AnonymousUser is the user id every caller gets when auth is disabled.
const AnonymousUser = "anonymous"

type Principal struct {
	// Token must not be logged.
	Token  string
	UserID string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// TokenFromRequest returns the bearer token, falling back to the "token"
// query parameter browsers use for websocket upgrades.
func TokenFromRequest(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	return token, token != ""
}

// UserIDFromToken derives a stable, non-reversible user id from a token.
func UserIDFromToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "u_" + hex.EncodeToString(sum[:12])
}

type Authenticator struct {
	mode config.AuthMode
	keys map[string]string
}

func NewAuthenticator(cfg config.Config) *Authenticator {
	return &Authenticator{mode: cfg.AuthMode, keys: cfg.APIKeys}
}

// Enabled reports whether callers must present a token.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.mode != config.AuthModeDisabled
}

// Authenticate validates token for the configured mode.
func (a *Authenticator) Authenticate(token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if !a.Enabled() {
		return &Principal{UserID: AnonymousUser}, nil
	}
	if token == "" {
		return nil, core.NewAuthenticationError("missing bearer token")
	}

	switch a.mode {
	case config.AuthModeToken:
		return &Principal{Token: token, UserID: UserIDFromToken(token)}, nil
	case config.AuthModeRequired:
		user, ok := a.keys[token]
		if !ok {
			return nil, core.NewAuthenticationError("invalid api key")
		}
		if user == "" {
			user = UserIDFromToken(token)
		}
		return &Principal{Token: token, UserID: user}, nil
	default:
		return nil, core.NewInternalError("invalid auth mode", nil)
	}
}

// AuthenticateRequest reads the token from r and authenticates it.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (*Principal, error) {
	token, _ := TokenFromRequest(r)
	return a.Authenticate(token)
}
