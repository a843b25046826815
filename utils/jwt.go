package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the caller and the organization (tenant) it acts for.
type Claims struct {
	UserID         uint `json:"user_id"`
	OrganizationID uint `json:"organization_id"`
	jwt.RegisteredClaims
}

func GenerateJWTToken(secret string, userID, organizationID uint, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:         userID,
		OrganizationID: organizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWTToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.OrganizationID == 0 {
			return nil, errors.New("token has no organization")
		}
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
