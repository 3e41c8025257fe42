package auth

import (
	"testing"
	"time"

	"courier/internal/platform/config"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService(config.JWTConfig{Secret: "secret", Issuer: "courier", AccessTokenTTL: time.Minute})

	token, err := svc.GenerateAccessToken("user_1", RoleAdmin, "ops@example.com")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.UserID != "user_1" || claims.Role != RoleAdmin {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestTokenService_Rejects(t *testing.T) {
	svc := NewTokenService(config.JWTConfig{Secret: "secret", Issuer: "courier", AccessTokenTTL: time.Minute})
	token, _ := svc.GenerateAccessToken("user_1", "member", "")

	other := NewTokenService(config.JWTConfig{Secret: "other", Issuer: "courier"})
	if _, err := other.ValidateToken(token); err == nil {
		t.Error("expected signature mismatch to be rejected")
	}

	foreign := NewTokenService(config.JWTConfig{Secret: "secret", Issuer: "someone-else"})
	if _, err := foreign.ValidateToken(token); err == nil {
		t.Error("expected issuer mismatch to be rejected")
	}

	later := NewTokenService(config.JWTConfig{Secret: "secret", Issuer: "courier"})
	later.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := later.ValidateToken(token); err == nil {
		t.Error("expected expired token to be rejected")
	}

	if _, err := svc.ValidateToken("not.a.token"); err == nil {
		t.Error("expected garbage to be rejected")
	}
}
