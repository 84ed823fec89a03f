// Package auth identifies the catalog administrator behind a request.
// Tokens are issued by the catalog's identity provider and validated against
// its JWKS endpoints.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ekaya-inc/superset-importer/pkg/catalog"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"
	// TokenKey is the context key for storing the raw JWT token string.
	TokenKey contextKey = "token"
	// UserKey is the context key for the catalog user resolved from the token subject.
	UserKey contextKey = "catalog_user"
	// ClientIPKey is the context key for the caller's address, used in audit events.
	ClientIPKey contextKey = "client_ip"
)

// Claims is the token payload. Subject is the catalog user id or name.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// GetClaims retrieves JWT claims from the request context.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// GetToken retrieves the raw JWT token string from the request context.
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}

// GetUser retrieves the catalog user stored by RequireSysadmin.
func GetUser(ctx context.Context) (*catalog.User, bool) {
	user, ok := ctx.Value(UserKey).(*catalog.User)
	return user, ok && user != nil
}

// GetClientIP returns the caller address stored by RequireSysadmin, or "".
func GetClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ClientIPKey).(string)
	return ip
}
