// Package auth verifies the staff access tokens presented to the admin
// surface. Tokens are issued by the external session layer.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the registered claims plus the acting staff member.
type Claims struct {
	jwt.RegisteredClaims
	StaffID string
}

// GenerateToken signs an HS256 token for staffID. The server only verifies
// tokens; this exists for the session layer and for tests.
func GenerateToken(staffID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
		},
		StaffID: staffID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// GetStaffIDFromToken validates tokenString and returns its staff ID.
// Expired tokens yield common.ErrTokenExpired, anything else invalid
// common.ErrInvalidToken.
func GetStaffIDFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrTokenExpired
		}
		return "", common.ErrInvalidToken
	}

	if !token.Valid || claims.StaffID == "" {
		return "", common.ErrInvalidToken
	}

	return claims.StaffID, nil
}
