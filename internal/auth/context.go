package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const identityContextKey contextKey = "identity"

// ContextWithIdentity stores the authenticated caller in ctx.
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext returns the authenticated caller, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(Identity)
	return identity, ok
}

// ExtractToken reads a bearer token from the Authorization header, falling
// back to the access_token query parameter used by browser WebSocket
// clients that cannot set headers.
func ExtractToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// Verifier checks bearer tokens.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Middleware attaches the caller's identity to the request context.
// Requests without a token pass through anonymously; handlers decide
// whether they need an identity. A token that fails verification is
// rejected with 401.
func Middleware(verifier Verifier, logger *slog.Logger, onReject func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractToken(r)
			if token == "" || verifier == nil {
				next.ServeHTTP(w, r)
				return
			}
			identity, err := verifier.Verify(token)
			if err != nil {
				if !errors.Is(err, ErrMissingToken) {
					logger.Warn("rejected bearer token", "path", r.URL.Path, "error", err)
				}
				if onReject != nil {
					onReject(w, err)
				} else {
					http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}
