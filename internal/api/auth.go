package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/commander/internal/storage"
)

// TokenResolver maps a bearer token to the owner it was issued for.
type TokenResolver interface {
	OwnerForToken(ctx context.Context, token string) (string, error)
}

type ownerKey struct{}

// WithOwner returns a copy of ctx carrying owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner BearerAuth attached to ctx.
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// BearerAuth rejects requests without a known bearer token and scopes the
// rest to the token's owner. Tokens are looked up by hash, so comparison
// never touches the raw secret.
func BearerAuth(tokens TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || strings.TrimSpace(auth[len(prefix):]) == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			owner, err := tokens.OwnerForToken(r.Context(), strings.TrimSpace(auth[len(prefix):]))
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "resolving token: %v", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}
