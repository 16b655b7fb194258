package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidate(t *testing.T) {
	tokens, err := NewTokens("test-secret", 30*time.Minute)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	actor := Actor{ID: "emp-42", Role: RoleEmployee, CompanyID: "c1"}

	token, expiresAt, err := tokens.GenerateToken(actor)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}

	got, err := tokens.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if got != actor {
		t.Fatalf("actor mismatch: got %+v, want %+v", got, actor)
	}
}

func TestParseRejectsForeignAndExpiredTokens(t *testing.T) {
	tokens, _ := NewTokens("test-secret", time.Minute)
	other, _ := NewTokens("other-secret", time.Minute)

	foreign, _, err := other.GenerateToken(Actor{ID: "root", Role: RoleSuperAdmin})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := tokens.ParseAndValidate(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}

	issued := time.Now().UTC().Add(-time.Hour)
	tokens.now = func() time.Time { return issued }
	stale, _, err := tokens.GenerateToken(Actor{ID: "root", Role: RoleSuperAdmin})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	tokens.now = func() time.Time { return time.Now().UTC() }
	if _, err := tokens.ParseAndValidate(stale); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	if _, err := tokens.ParseAndValidate("  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestParseRejectsOtherAlgorithms(t *testing.T) {
	tokens, _ := NewTokens("test-secret", time.Minute)
	now := time.Now().UTC()
	claims := Claims{
		Role: RoleSuperAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "root",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := tokens.ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected HS512 token to be rejected, got %v", err)
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("   ", time.Minute); err == nil {
		t.Fatalf("expected error for blank secret")
	}
	if _, err := NewTokens("s", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestGenerateRejectsInvalidActor(t *testing.T) {
	tokens, _ := NewTokens("test-secret", time.Minute)
	if _, _, err := tokens.GenerateToken(Actor{ID: "e1", Role: RoleEmployee}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("employee without company should be rejected, got %v", err)
	}
	if _, _, err := tokens.GenerateToken(Actor{ID: "x", Role: "OWNER"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown role should be rejected, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := ActorFromContext(ctx); ok {
		t.Fatalf("empty context should carry no actor")
	}
	ctx = ContextWithActor(ctx, Actor{ID: "user-7", Role: RoleCompanyAdmin, CompanyID: "c1"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	ctx = ContextWithToken(ctx, "tok")
	if tok, ok := TokenFromContext(ctx); !ok || tok != "tok" {
		t.Fatalf("token not preserved: %q", tok)
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" company_admin ")
	if err != nil || r != RoleCompanyAdmin {
		t.Fatalf("ParseRole: %v %v", r, err)
	}
	if _, err := ParseRole("viewer"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}
