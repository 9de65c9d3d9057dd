// Package auth verifies the access tokens climber connections present at handshake.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pscheid92/topout/internal/domain"
)

// Verifier checks HS256 tokens signed with a shared secret.
// Token issuance happens elsewhere; only the subject claim is used here.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify returns the user id carried in the token's sub claim.
// Every failure wraps domain.ErrUnauthorized.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}
	return sub, nil
}
