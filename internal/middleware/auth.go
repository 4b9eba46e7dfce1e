package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/brianfofficial/atlas/internal/auth"
)

type ctxKey int

const claimsKey ctxKey = iota

// Verifier is the slice of the auth service the middleware consumes.
type Verifier interface {
	VerifyAccess(ctx context.Context, token string) (*auth.Claims, error)
}

// ClaimsFrom returns the verified claims the auth middleware attached.
func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok
}

// WithClaims injects claims directly; handler tests use it to skip the
// middleware.
func WithClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// Auth enforces a Bearer access token on every route except the public
// path prefixes (pairing, refresh, health, metrics). Verified claims
// land in the request context.
func Auth(v Verifier, publicPrefixes ...string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range publicPrefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication", "missing bearer token")
				return
			}

			claims, err := v.VerifyAccess(r.Context(), token)
			if err != nil {
				status, kind, msg := classifyAuthErr(err)
				writeError(w, status, kind, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

func classifyAuthErr(err error) (int, string, string) {
	switch {
	case errors.Is(err, auth.ErrMFARequired):
		return http.StatusForbidden, "authorization", "mfa verification required"
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, "authentication", "access token expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return http.StatusUnauthorized, "authentication", "access token revoked"
	default:
		return http.StatusUnauthorized, "authentication", "invalid access token"
	}
}
