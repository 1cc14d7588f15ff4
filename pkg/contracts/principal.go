// Package contracts defines the boundary types and service interfaces for the
// relay gateway.
//
// Handlers and surfaces depend on these interfaces, never on concrete
// implementations, so components can be swapped in wiring code (pkg/server)
// and mocked in tests without touching internal packages.
package contracts

import "time"

// ── Principal ───────────────────────────────────────────────

// PrincipalKind identifies how a request was authenticated.
type PrincipalKind string

const (
	// PrincipalAnonymous is an unauthenticated request. Scopes are empty.
	PrincipalAnonymous PrincipalKind = "anonymous"

	// PrincipalOAuth is a user authenticated via a bearer access token.
	PrincipalOAuth PrincipalKind = "oauth"

	// PrincipalService is a machine caller authenticated via a service key.
	PrincipalService PrincipalKind = "service"
)

// Principal is the authenticated identity of one request. It is created by
// the bearer middleware from the access token and discarded when the request
// ends. No handler ever sees the raw token.
type Principal struct {
	Kind   PrincipalKind `json:"kind"`
	UserID string        `json:"user_id,omitempty"`
	Email  string        `json:"email,omitempty"`

	// KeyID identifies the service key for service principals.
	KeyID string `json:"key_id,omitempty"`

	// Scopes is a set: construction deduplicates.
	Scopes []string `json:"scopes,omitempty"`

	// Provider is the caller's preferred AI provider, when known.
	Provider string `json:"provider,omitempty"`

	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Anonymous returns the principal used for unauthenticated requests.
func Anonymous() *Principal {
	return &Principal{Kind: PrincipalAnonymous}
}

// NewOAuthPrincipal builds a user principal with a deduplicated scope set.
func NewOAuthPrincipal(userID, email string, scopes []string) *Principal {
	return &Principal{
		Kind:   PrincipalOAuth,
		UserID: userID,
		Email:  email,
		Scopes: dedupe(scopes),
	}
}

// NewServicePrincipal builds a machine principal with a deduplicated scope set.
func NewServicePrincipal(keyID string, scopes []string) *Principal {
	return &Principal{
		Kind:   PrincipalService,
		KeyID:  keyID,
		Scopes: dedupe(scopes),
	}
}

// IsAnonymous reports whether the principal carries no identity.
// A nil principal counts as anonymous.
func (p *Principal) IsAnonymous() bool {
	return p == nil || p.Kind == PrincipalAnonymous || p.Kind == ""
}

// HasScope reports whether the principal holds the given scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// ── Scope policy ────────────────────────────────────────────

// ScopeSet is the required-scope shape a procedure declares.
//
// A principal satisfies the set iff every AllOf scope is present, at least
// one scope of each AnyOf group is present, and no Not scope is present.
// The zero value is satisfied by any principal, including anonymous.
type ScopeSet struct {
	AllOf []string   `json:"allOf,omitempty" yaml:"allOf"`
	AnyOf [][]string `json:"anyOf,omitempty" yaml:"anyOf"`
	Not   []string   `json:"not,omitempty" yaml:"not"`
}

// Empty reports whether the set imposes no requirements.
func (s ScopeSet) Empty() bool {
	return len(s.AllOf) == 0 && len(s.AnyOf) == 0 && len(s.Not) == 0
}

// SatisfiedBy evaluates the scope policy against a principal.
func (s ScopeSet) SatisfiedBy(p *Principal) bool {
	for _, scope := range s.AllOf {
		if !p.HasScope(scope) {
			return false
		}
	}
	for _, group := range s.AnyOf {
		if len(group) == 0 {
			continue
		}
		ok := false
		for _, scope := range group {
			if p.HasScope(scope) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, scope := range s.Not {
		if p.HasScope(scope) {
			return false
		}
	}
	return true
}

// RequireScopes is shorthand for a plain allOf requirement.
func RequireScopes(scopes ...string) ScopeSet {
	return ScopeSet{AllOf: scopes}
}
