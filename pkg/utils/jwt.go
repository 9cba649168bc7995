package utils

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	jwtSecret            = []byte("change-me-in-production")
	jwtExpirationMinutes = 30
)

type TenantClaims struct {
	TenantID uuid.UUID `json:"tenantID"`
	ClientID string    `json:"clientID"`
	jwt.RegisteredClaims
}

func ConfigureJWT(secret string, expirationMinutes int) {
	if secret != "" {
		jwtSecret = []byte(secret)
	}
	if expirationMinutes > 0 {
		jwtExpirationMinutes = expirationMinutes
	}
}

// GenerateTenantToken mints the bearer token returned by the client
// credential exchange. Tenant API calls authenticate with it.
func GenerateTenantToken(tenantID uuid.UUID, clientID string) (string, error) {
	expiresAt := time.Now().Add(time.Duration(jwtExpirationMinutes) * time.Minute)
	claims := TenantClaims{
		TenantID: tenantID,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   tenantID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func ValidateTenantToken(tokenString string) (*TenantClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TenantClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*TenantClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
