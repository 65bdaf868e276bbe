package authx

import "context"

type callerKey struct{}

// CallerClaims is the authenticated caller of a request. Token holds the raw
// bearer token and is empty for dev bypass callers.
type CallerClaims struct {
	Claims    *Claims
	Token     string
	DevBypass bool
}

// BindCallerClaims returns a copy of ctx carrying caller.
func BindCallerClaims(ctx context.Context, caller CallerClaims) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerClaimsFromContext returns the caller bound by Middleware.
func CallerClaimsFromContext(ctx context.Context) (CallerClaims, bool) {
	if ctx == nil {
		return CallerClaims{}, false
	}
	caller, ok := ctx.Value(callerKey{}).(CallerClaims)
	return caller, ok
}

// SubjectFromContext returns the caller's subject, or "" when unauthenticated.
func SubjectFromContext(ctx context.Context) string {
	caller, ok := CallerClaimsFromContext(ctx)
	if !ok || caller.Claims == nil {
		return ""
	}
	return caller.Claims.Subject
}
