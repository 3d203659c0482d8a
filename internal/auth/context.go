package auth

import "context"

type ctxKey string

const (
	principalKey ctxKey = "auth_principal"
	rawKeyKey    ctxKey = "auth_raw_key"
)

// ContextWithPrincipal stores the resolved principal in the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// ContextWithRawKey stores the presented raw API key so handlers like
// logout can revoke it without re-reading request headers.
func ContextWithRawKey(ctx context.Context, raw string) context.Context {
	if raw == "" {
		return ctx
	}
	return context.WithValue(ctx, rawKeyKey, raw)
}

// RawKeyFromContext returns the raw API key presented with the request.
func RawKeyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(rawKeyKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// UserIDFromContext is a convenience for audit logging.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.User.ID == "" {
		return "", false
	}
	return p.User.ID, true
}
