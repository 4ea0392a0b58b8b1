package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims binds a user to the tenant it acts for. Subject is the user id.
type Claims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid token")

func SignJWT(tenantID, userID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseJWT verifies the signature and expiry and returns (tenantID, userID).
func ParseJWT(tokenStr, secret string) (string, string, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return "", "", ErrInvalidToken
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return "", "", ErrInvalidToken
	}
	return claims.TenantID, claims.Subject, nil
}
