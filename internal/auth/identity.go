// Package auth implements bearer-JWT authentication middleware (spec
// §4.6): extracting and verifying a tenant identity from the standard
// Authorization header, with a demo-identity fallback for local
// development when auth is disabled.
package auth

import "context"

// Identity is the request-scoped principal derived from a validated
// bearer token: {tenant-id, roles[]}. The middleware rejects an expired
// token; the token's expiry is not kept on the Identity.
type Identity struct {
	TenantID string
	Roles    []string
}

// DemoTenantID is substituted when auth is disabled, per spec §4.6.
const DemoTenantID = "demo-tenant"

// DemoIdentity is populated on every request when auth is disabled.
var DemoIdentity = Identity{TenantID: DemoTenantID, Roles: []string{"demo"}}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext extracts the Identity populated by the auth middleware, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
