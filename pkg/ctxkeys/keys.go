// Package ctxkeys names the request-scoped values the auth middleware
// stores, so handlers and middleware agree on one set of keys.
package ctxkeys

import "context"

// Key is a typed context key to prevent collisions.
type Key string

const (
	KeyUserID       Key = "user_id"
	KeyEmail        Key = "email"
	KeyRole         Key = "role"
	KeyJWTToken     Key = "jwt_token"
	KeyAuthType     Key = "auth_type"
	KeyServiceToken Key = "service_token"
)

// GetUserID extracts the authenticated user id from a context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyUserID).(string); ok {
		return v
	}
	return ""
}

// GetRole extracts the caller's role from a context.
func GetRole(ctx context.Context) string {
	if v, ok := ctx.Value(KeyRole).(string); ok {
		return v
	}
	return ""
}
