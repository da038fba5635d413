package auth

import (
	"crypto/subtle"
	"errors"
	"os"
)

var (
	ErrMissingServiceToken = errors.New("service token not provided")
	ErrInvalidServiceToken = errors.New("invalid service token")
)

// ValidateServiceToken checks a service-to-service auth token against the
// deployment's shared secret. The comparison is constant-time so the
// check leaks nothing about the secret.
func ValidateServiceToken(token string, expectedToken string) error {
	if token == "" {
		return ErrMissingServiceToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
		return ErrInvalidServiceToken
	}
	return nil
}

// GetServiceToken returns the shared SERVICE_TOKEN, empty when internal
// auth is not configured.
func GetServiceToken() string {
	return os.Getenv("SERVICE_TOKEN")
}
