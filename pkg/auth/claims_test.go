package auth

import (
	"context"
	"testing"

	"github.com/ekaya-inc/superset-importer/pkg/catalog"
)

func TestGetClaims_Success(t *testing.T) {
	claims := &Claims{Name: "Ada"}
	claims.Subject = "user-123"

	ctx := context.WithValue(context.Background(), ClaimsKey, claims)

	got, ok := GetClaims(ctx)
	if !ok {
		t.Fatal("expected claims to be found")
	}
	if got.Subject != "user-123" {
		t.Errorf("expected subject 'user-123', got %q", got.Subject)
	}
	if got.Name != "Ada" {
		t.Errorf("expected name 'Ada', got %q", got.Name)
	}
}

func TestGetClaims_NotFound(t *testing.T) {
	if _, ok := GetClaims(context.Background()); ok {
		t.Error("expected claims to not be found")
	}
}

func TestGetClaims_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), ClaimsKey, "not-a-claims-struct")

	if _, ok := GetClaims(ctx); ok {
		t.Error("expected claims to not be found for wrong type")
	}
}

func TestGetToken(t *testing.T) {
	ctx := context.WithValue(context.Background(), TokenKey, "raw-token")

	token, ok := GetToken(ctx)
	if !ok || token != "raw-token" {
		t.Errorf("expected raw-token, got %q (ok=%v)", token, ok)
	}

	if _, ok := GetToken(context.Background()); ok {
		t.Error("expected no token in empty context")
	}
}

func TestGetUser(t *testing.T) {
	if _, ok := GetUser(context.Background()); ok {
		t.Error("expected no user in empty context")
	}

	var nilUser *catalog.User
	if _, ok := GetUser(context.WithValue(context.Background(), UserKey, nilUser)); ok {
		t.Error("expected typed nil user to be reported as missing")
	}

	user := &catalog.User{ID: "u1", Name: "ada", Sysadmin: true}
	got, ok := GetUser(context.WithValue(context.Background(), UserKey, user))
	if !ok || got.Name != "ada" {
		t.Errorf("expected user ada, got %+v", got)
	}
}

func TestGetUserIDFromContext(t *testing.T) {
	claims := &Claims{}
	claims.Subject = "sub-1"
	ctx := context.WithValue(context.Background(), ClaimsKey, claims)

	if got := GetUserIDFromContext(ctx); got != "sub-1" {
		t.Errorf("expected subject fallback, got %q", got)
	}

	ctx = context.WithValue(ctx, UserKey, &catalog.User{ID: "catalog-id", Name: "ada"})
	if got := GetUserIDFromContext(ctx); got != "catalog-id" {
		t.Errorf("expected catalog user id, got %q", got)
	}

	if got := GetUserIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty id, got %q", got)
	}
}

func TestGetUserNameFromContext(t *testing.T) {
	claims := &Claims{}
	claims.Subject = "sub-1"
	ctx := context.WithValue(context.Background(), ClaimsKey, claims)
	if got := GetUserNameFromContext(ctx); got != "sub-1" {
		t.Errorf("expected subject fallback, got %q", got)
	}

	claims.Name = "Ada"
	if got := GetUserNameFromContext(ctx); got != "Ada" {
		t.Errorf("expected name claim, got %q", got)
	}

	ctx = context.WithValue(ctx, UserKey, &catalog.User{ID: "catalog-id", Name: "ada"})
	if got := GetUserNameFromContext(ctx); got != "ada" {
		t.Errorf("expected catalog user name, got %q", got)
	}
}

func TestRequireUserIDFromContext(t *testing.T) {
	if _, err := RequireUserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for missing user")
	}

	claims := &Claims{}
	claims.Subject = "sub-1"
	id, err := RequireUserIDFromContext(context.WithValue(context.Background(), ClaimsKey, claims))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "sub-1" {
		t.Errorf("expected sub-1, got %q", id)
	}
}
