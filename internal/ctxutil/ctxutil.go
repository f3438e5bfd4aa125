// Package ctxutil provides shared context key accessors.
//
// This package exists to break circular dependencies between the server,
// session, and mcp packages: all three need to read the authenticated user
// from the context that the auth middleware populates. They import ctxutil
// instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/auth"
)

type contextKey string

const (
	keyClaims contextKey = "claims"
	keyUserID contextKey = "user_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyUserID, claims.UserID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// UserIDFromContext extracts the authenticated user's ID from the context.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyUserID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
