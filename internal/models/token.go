package models

import "github.com/golang-jwt/jwt/v5"

type TokenClaims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}
