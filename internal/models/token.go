package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims are the claims carried by access tokens minted upstream.
// This service validates them but never issues them.
type TokenClaims struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}
