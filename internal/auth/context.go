// ABOUTME: Request context helpers for the authenticated identity on the server side
// ABOUTME: Provides WithIdentity/FromContext for handlers behind HTTPAuthMiddleware

package auth

import (
	"context"
)

// identityKey is the key type for storing the identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context carrying the authenticated identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// FromContext retrieves the identity, returning "" if not present.
func FromContext(ctx context.Context) string {
	identity, _ := ctx.Value(identityKey{}).(string)
	return identity
}
