package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/robelest/authcore"
)

type apiKeyContextKey struct{}

// APIKeyFromContext returns the verified key identity stored by
// [RequireAPIKey].
func APIKeyFromContext(ctx context.Context) (*authcore.APIKeyIdentity, bool) {
	id, ok := ctx.Value(apiKeyContextKey{}).(*authcore.APIKeyIdentity)
	return id, ok
}

// RequireAPIKey returns middleware that verifies the request's API key
// and requires every named scope on it. The key is read from the
// Authorization bearer value, falling back to the X-API-Key header.
// Scope failures answer 403; everything else answers 401.
func RequireAPIKey(engine *authcore.Engine, scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			secret, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				secret = r.Header.Get("X-API-Key")
			}
			if secret == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			identity, err := engine.VerifyAPIKey(r.Context(), secret, scopes...)
			if err != nil {
				if errors.Is(err, authcore.ErrInsufficientScope) {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
