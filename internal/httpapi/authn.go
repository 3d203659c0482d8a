package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"renki.org/internal/auth"
)

const (
	authHeader   = "Authorization"
	apiKeyHeader = "X-API-Key"
	bearer       = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth authenticates every non-public request. Clients present either
// an API key (the socket credential reused over HTTP) or a session bearer
// token.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || (a.keys == nil && a.tokens == nil) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if rawKey := strings.TrimSpace(r.Header.Get(apiKeyHeader)); rawKey != "" && a.keys != nil {
			principal, err := a.keys.Principal(r.Context(), rawKey)
			if err != nil {
				respondAuthError(w, r, err)
				return
			}
			ctx := auth.ContextWithPrincipal(r.Context(), principal)
			ctx = auth.ContextWithRawKey(ctx, rawKey)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if a.tokens != nil {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			claims, err := a.tokens.ParseAndValidate(token)
			if err != nil {
				respondAuthError(w, r, err)
				return
			}
			principal := auth.NewPrincipal(auth.User{
				ID:        claims.Subject,
				Superuser: claims.Superuser,
			}, claims.Permissions)
			ctx := auth.ContextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		writeError(w, r, http.StatusUnauthorized, "missing credentials")
	})
}

func respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	default:
		writeError(w, r, http.StatusInternalServerError, "authentication error")
	}
}

func (a *API) requirePermission(ctx context.Context, perm string) error {
	if a == nil || (a.keys == nil && a.tokens == nil) {
		return nil
	}
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return auth.ErrUnauthorized
	}
	if !principal.HasPermission(perm) {
		return auth.ErrUnauthorized
	}
	return nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
