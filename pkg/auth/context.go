package auth

import (
	"context"
	"fmt"
)

// GetUserIDFromContext returns the acting user's id. The resolved catalog
// user wins over the raw token subject. Empty when unauthenticated.
func GetUserIDFromContext(ctx context.Context) string {
	if user, ok := GetUser(ctx); ok && user.ID != "" {
		return user.ID
	}
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}

// GetUserNameFromContext returns the catalog user name, falling back to the
// token's name claim and then its subject.
func GetUserNameFromContext(ctx context.Context) string {
	if user, ok := GetUser(ctx); ok && user.Name != "" {
		return user.Name
	}
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	if claims.Name != "" {
		return claims.Name
	}
	return claims.Subject
}

// RequireUserIDFromContext extracts the user ID from context and returns an error if not found.
func RequireUserIDFromContext(ctx context.Context) (string, error) {
	userID := GetUserIDFromContext(ctx)
	if userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}
