// Package auth provides authentication context helpers.
//
// This package is designed to be imported by both middleware and handler
// packages without causing import cycles.
package auth

import (
	"context"
	"net/http"
)

// Identity is the caller established by a verified bearer token.
type Identity struct {
	UserID string
	Email  string
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// identityContextKey is the key used to store the authenticated identity in context.
	identityContextKey contextKey = "identity"

	// verifiedContextKey marks requests served while bearer tokens are verified.
	verifiedContextKey contextKey = "verified"
)

// GetIdentity retrieves the authenticated identity from the context.
//
// Returns nil if the request carried no valid token.
func GetIdentity(ctx context.Context) *Identity {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok {
		return nil
	}
	return id
}

// SetVerified marks the context as served by a server that verifies bearer
// tokens. Client supplied user ids must then be ignored.
func SetVerified(ctx context.Context) context.Context {
	return context.WithValue(ctx, verifiedContextKey, true)
}

// Verified reports whether identities on this request come only from
// verified tokens.
func Verified(ctx context.Context) bool {
	v, _ := ctx.Value(verifiedContextKey).(bool)
	return v
}

// UserIDFromRequest returns the authenticated user id, or "" when the request
// is unauthenticated.
func UserIDFromRequest(r *http.Request) string {
	if id := GetIdentity(r.Context()); id != nil {
		return id.UserID
	}
	return ""
}

// SetIdentity stores an identity in the context.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}
