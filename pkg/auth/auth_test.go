package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestValidateServiceToken(t *testing.T) {
	if err := ValidateServiceToken("", "expected"); !errors.Is(err, ErrMissingServiceToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
	if err := ValidateServiceToken("bad", "expected"); !errors.Is(err, ErrInvalidServiceToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
	if err := ValidateServiceToken("expected", "expected"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	secret := []byte("s3cr3t")
	token, err := GenerateJWT("writer-1", "writer@example.com", "admin", secret)
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}

	claims, err := ValidateJWT(token, secret)
	if err != nil {
		t.Fatalf("validate jwt: %v", err)
	}
	if claims.UserID != "writer-1" || claims.Email != "writer@example.com" || claims.Role != "admin" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		t.Fatal("expected issued-at and expiry claims")
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != sessionTTL {
		t.Fatalf("expected %v session lifetime, got %v", sessionTTL, got)
	}
}

func TestValidateJWTRejectsBadTokens(t *testing.T) {
	secret := []byte("test-secret")

	expired := func() string {
		claims := &Claims{
			UserID: "writer-1",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
				IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			},
		}
		s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		return s
	}
	wrongSecret := func() string {
		s, _ := GenerateJWT("writer-1", "w@example.com", "user", []byte("other-secret"))
		return s
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrInvalidJWT},
		{"garbage", "not.a.valid.jwt", ErrInvalidJWT},
		{"wrong secret", wrongSecret(), ErrInvalidJWT},
		{"expired", expired(), ErrExpiredJWT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ValidateJWT(tt.token, secret)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if claims != nil {
				t.Fatal("expected nil claims on failure")
			}
		})
	}
}

func TestValidateJWTRejectsNoneAlgorithm(t *testing.T) {
	noneToken := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		UserID: "writer-1",
		Role:   "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	tokenString, err := noneToken.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build none-algorithm token: %v", err)
	}

	if _, err := ValidateJWT(tokenString, []byte("test-secret")); !errors.Is(err, ErrInvalidJWT) {
		t.Fatalf("expected none-algorithm token to be rejected, got %v", err)
	}
}
