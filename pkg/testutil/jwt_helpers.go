package testutil

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"inkwell/bursar/pkg/auth"
)

// JWTTestHelper mints session tokens for handler and middleware tests.
type JWTTestHelper struct {
	Secret []byte
}

func NewJWTTestHelper() *JWTTestHelper {
	return &JWTTestHelper{Secret: []byte("test-secret-for-unit-tests")}
}

// GenerateValidJWT returns a token the middleware under test accepts.
func (h *JWTTestHelper) GenerateValidJWT(userID, email, role string) (string, error) {
	return auth.GenerateJWT(userID, email, role, h.Secret)
}

// GenerateExpiredJWT returns a correctly signed but expired token.
func (h *JWTTestHelper) GenerateExpiredJWT(userID, email, role string) (string, error) {
	claims := &auth.Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.Secret)
}

// Authorize stamps a Bearer session token for userID onto the request.
func (h *JWTTestHelper) Authorize(req *http.Request, userID, role string) error {
	token, err := h.GenerateValidJWT(userID, userID+"@example.com", role)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
