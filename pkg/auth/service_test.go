package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockJWKSClient is a mock implementation of JWKSClientInterface for testing.
type mockJWKSClient struct {
	claims *Claims
	err    error
	seen   []string
}

func (m *mockJWKSClient) ValidateToken(tokenString string) (*Claims, error) {
	m.seen = append(m.seen, tokenString)
	if m.err != nil {
		return nil, m.err
	}
	return m.claims, nil
}

func (m *mockJWKSClient) Close() {}

func adaClaims() *Claims {
	c := &Claims{Name: "Ada"}
	c.Subject = "ada"
	return c
}

func TestAuthService_ValidateRequest_Cookie(t *testing.T) {
	service := NewAuthService(&mockJWKSClient{claims: adaClaims()}, "ckan_jwt", zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/apache-superset/", nil)
	req.AddCookie(&http.Cookie{Name: "ckan_jwt", Value: "cookie-token"})

	claims, token, err := service.ValidateRequest(req)
	if err != nil {
		t.Fatalf("ValidateRequest failed: %v", err)
	}
	if token != "cookie-token" {
		t.Errorf("expected token 'cookie-token', got %q", token)
	}
	if claims.Subject != "ada" {
		t.Errorf("expected subject 'ada', got %q", claims.Subject)
	}
}

func TestAuthService_ValidateRequest_DefaultCookieName(t *testing.T) {
	jwks := &mockJWKSClient{claims: adaClaims()}
	service := NewAuthService(jwks, "", zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/apache-superset/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "default-cookie"})

	_, token, err := service.ValidateRequest(req)
	if err != nil {
		t.Fatalf("ValidateRequest failed: %v", err)
	}
	if token != "default-cookie" {
		t.Errorf("expected default cookie token, got %q", token)
	}
}

func TestAuthService_ValidateRequest_AuthHeader(t *testing.T) {
	service := NewAuthService(&mockJWKSClient{claims: adaClaims()}, "ckan_jwt", zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/apache-superset/", nil)
	req.Header.Set("Authorization", "Bearer my-jwt-token")

	_, token, err := service.ValidateRequest(req)
	if err != nil {
		t.Fatalf("ValidateRequest failed: %v", err)
	}
	if token != "my-jwt-token" {
		t.Errorf("expected token 'my-jwt-token', got %q", token)
	}
}

func TestAuthService_ValidateRequest_CookieTakesPrecedence(t *testing.T) {
	service := NewAuthService(&mockJWKSClient{claims: adaClaims()}, "ckan_jwt", zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/apache-superset/", nil)
	req.AddCookie(&http.Cookie{Name: "ckan_jwt", Value: "cookie-token"})
	req.Header.Set("Authorization", "Bearer header-token")

	_, token, err := service.ValidateRequest(req)
	if err != nil {
		t.Fatalf("ValidateRequest failed: %v", err)
	}
	if token != "cookie-token" {
		t.Errorf("expected cookie token to take precedence, got %q", token)
	}
}

func TestAuthService_ValidateRequest_OtherCookieIgnored(t *testing.T) {
	service := NewAuthService(&mockJWKSClient{claims: adaClaims()}, "ckan_jwt", zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/apache-superset/", nil)
	req.AddCookie(&http.Cookie{Name: "other", Value: "nope"})

	_, _, err := service.ValidateRequest(req)
	if !errors.Is(err, ErrMissingAuthorization) {
		t.Errorf("expected ErrMissingAuthorization, got %v", err)
	}
}

func TestAuthService_ValidateRequest_InvalidAuthFormat(t *testing.T) {
	service := NewAuthService(&mockJWKSClient{}, "ckan_jwt", zap.NewNop())

	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "just-a-token"},
		{"wrong prefix", "Basic some-token"},
		{"missing token", "Bearer"},
		{"empty token", "Bearer "},
		{"extra parts", "Bearer token extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/apache-superset/", nil)
			req.Header.Set("Authorization", tt.header)

			_, _, err := service.ValidateRequest(req)
			if !errors.Is(err, ErrInvalidAuthFormat) {
				t.Errorf("expected ErrInvalidAuthFormat, got %v", err)
			}
		})
	}
}

func TestAuthService_ValidateRequest_TokenValidationError(t *testing.T) {
	validationErr := errors.New("token expired")
	service := NewAuthService(&mockJWKSClient{err: validationErr}, "ckan_jwt", zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/apache-superset/", nil)
	req.Header.Set("Authorization", "Bearer expired-token")

	_, _, err := service.ValidateRequest(req)
	if !errors.Is(err, validationErr) {
		t.Errorf("expected token validation error, got %v", err)
	}
}
