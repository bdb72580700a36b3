// ABOUTME: Request context plumbing for the authenticated identity
// ABOUTME: Provides WithIdentity/FromContext for handlers behind the middleware

package auth

import "context"

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity attached by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
