// Package auth validates identity tokens at the gateway's login boundary. Token issuance is the external identity
// provider's job; this package only verifies a token's signature and freshness and extracts the numeric identity ID
// from its subject. It also mints the gateway's own short-lived reconnection token returned in ServerLoginSuccess,
// using the same HS256 mechanism and secret.
package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims holds the JWT claims carried by an identity token: the registered-claims envelope with the numeric
// identity ID encoded in Subject.
type IdentityClaims struct {
	jwt.RegisteredClaims
}

// IssueToken mints a signed token for identityID, used both by the identity-provider test harness and by the
// gateway itself when handing a reconnection token back to a client on login.
func IssueToken(identityID int64, secret string, ttl time.Duration, issuer string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret must not be empty")
	}
	if issuer == "" {
		return "", fmt.Errorf("issuer must not be empty")
	}

	now := time.Now()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(identityID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates tokenStr, enforcing HMAC signing and the expected issuer, and returns the
// numeric identity ID encoded in its subject.
func ValidateToken(tokenStr, secret, issuer string) (int64, error) {
	if issuer == "" {
		return 0, fmt.Errorf("issuer must not be empty")
	}

	claims := &IdentityClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return 0, err
	}
	if !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}

	identityID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid identity token subject: %w", err)
	}
	return identityID, nil
}
