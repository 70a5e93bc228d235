package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess TokenType = "access"
)

// Claims are the only supported JWT claims shape for this service.
// Tokens are issued to internal callers (upstream verification service, operators);
// customers never hold one. The caller identity is RegisteredClaims.Subject.
// StoreID narrows an operator token to one store.
type Claims struct {
	jwt.RegisteredClaims

	StoreID   string    `json:"store_id,omitempty"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
