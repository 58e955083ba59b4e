package shared

import "context"

// Principal describes the authenticated actor for the current request.
// TwoFactorEnabled is a snapshot taken from the session payload when
// the principal was resolved; downstream checks read it instead of
// asking the provider again.
type Principal struct {
	UserID           string
	Email            string
	Name             string
	TwoFactorEnabled bool
}

// GuardPolicy is resolved once per request from configuration. When
// Bypass is true (only honored outside production) authentication and
// step-up checks are skipped and DevPrincipal stands in for the caller.
type GuardPolicy struct {
	Bypass       bool
	DevPrincipal Principal
}

type principalContextKey struct{}

type guardContextKey struct{}

type sessionTokenContextKey struct{}

// ContextWithPrincipal stores the authenticated principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal, nil when unauthenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}

// ContextWithGuard stores the resolved guard policy in context.
func ContextWithGuard(ctx context.Context, g GuardPolicy) context.Context {
	return context.WithValue(ctx, guardContextKey{}, g)
}

// GuardFromContext extracts the guard policy. The zero value enforces.
func GuardFromContext(ctx context.Context) GuardPolicy {
	g, _ := ctx.Value(guardContextKey{}).(GuardPolicy)
	return g
}

// ContextWithSessionToken stores the caller's raw session credential.
func ContextWithSessionToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, sessionTokenContextKey{}, token)
}

// SessionTokenFromContext extracts the caller's session credential.
func SessionTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(sessionTokenContextKey{}).(string)
	return token
}
