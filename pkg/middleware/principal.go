// Package middleware provides shared context helpers for the relay gateway.
//
// This package lives in pkg/ (not internal/) so embedding deployments can
// read the authenticated principal in their own middleware.
package middleware

import (
	"context"

	"github.com/modelrelay/relay/pkg/contracts"
)

type contextKey string

const principalKey contextKey = "principal"

// SetPrincipal stores the authenticated principal in the context.
// Called by the bearer middleware after token validation.
func SetPrincipal(ctx context.Context, p *contracts.Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the request principal from the context.
// Returns an anonymous principal when none is set.
func GetPrincipal(ctx context.Context) *contracts.Principal {
	if v, ok := ctx.Value(principalKey).(*contracts.Principal); ok && v != nil {
		return v
	}
	return contracts.Anonymous()
}
