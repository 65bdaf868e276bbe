package authx

import "time"

// DevBypassClaims describes the synthetic caller used when the dev bypass is
// enabled. It never produces a token.
type DevBypassClaims struct {
	Subject    string
	Attributes map[string]any
}

// ToCallerClaims converts the dev bypass configuration into caller claims
// valid for one hour from now.
func (d DevBypassClaims) ToCallerClaims(now time.Time) CallerClaims {
	now = now.UTC().Truncate(time.Second)
	claims := &Claims{
		Subject:    d.Subject,
		Attributes: cloneAttributes(d.Attributes),
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
	}
	return CallerClaims{
		Claims:    claims,
		DevBypass: true,
	}
}

// DefaultDevBypassClaims returns a baseline caller suitable for local development.
func DefaultDevBypassClaims() DevBypassClaims {
	return DevBypassClaims{
		Subject: "dev-bypass",
		Attributes: map[string]any{
			"name": "Local Developer",
			"role": "operator",
		},
	}
}
