package auth

import "context"

type ctxKey struct{}

// Claims is the authenticated caller attached to a request.
type Claims struct {
	UserID int64
	Role   string
}

// IsAdmin reports whether the caller carries the admin role.
func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == "admin"
}

// WithClaims stores claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

// ClaimsFromContext returns the claims set by the middleware, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ctxKey{}).(*Claims)
	return claims, ok && claims != nil
}

// IsAdminContext reports whether ctx carries admin claims.
func IsAdminContext(ctx context.Context) bool {
	claims, ok := ClaimsFromContext(ctx)
	return ok && claims.IsAdmin()
}
