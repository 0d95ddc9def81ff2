package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by the tokens the external auth service issues.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens. Token issuance and refresh live with
// the external auth service; this side only checks signatures and expiry.
// Anonymous connections (no token at all) are the caller's policy decision.
type Verifier struct {
	secretKey []byte
}

// NewVerifier creates a verifier for HMAC-signed tokens.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secretKey: []byte(secret)}
}

// Verify parses and validates the token, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secretKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header or
// the token query parameter (browsers cannot set headers on WebSocket
// upgrades). Empty string means anonymous.
func TokenFromRequest(r *http.Request) string {
	const bearerPrefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimPrefix(h, bearerPrefix)
	}
	return r.URL.Query().Get("token")
}
