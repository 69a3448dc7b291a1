package account

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenClaims are the fields the client reads from a bearer token.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// InspectToken reads the claims of a JWT bearer token without verifying the
// signature; verification is the backend's job. ok is false for tokens that
// are not JWTs, which are treated as opaque and never expire locally.
func InspectToken(token string) (claims TokenClaims, ok bool) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return TokenClaims{}, false
	}
	if sub, _ := mc["sub"].(string); sub != "" {
		claims.Subject = sub
	} else if uid, _ := mc["user_id"].(string); uid != "" {
		claims.Subject = uid
	}
	switch exp := mc["exp"].(type) {
	case float64:
		claims.ExpiresAt = time.Unix(int64(exp), 0)
	case int64:
		claims.ExpiresAt = time.Unix(exp, 0)
	}
	return claims, true
}
