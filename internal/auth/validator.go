package auth

import (
	"strings"
	"time"

	"github.com/modelrelay/relay/internal/rpc"
	"github.com/modelrelay/relay/pkg/contracts"
)

// Validator resolves bearer credentials to principals. Three credential
// shapes are accepted, probed in order of cheapness: static service keys,
// opaque access tokens, and HS256 service JWTs.
type Validator struct {
	store  *Store
	signer *Signer
}

// NewValidator builds a bearer validator over the token store.
func NewValidator(store *Store, signer *Signer) *Validator {
	return &Validator{store: store, signer: signer}
}

// Validate resolves a raw bearer credential to a principal. The error is
// always KindUnauthorized; the reason stays generic so callers cannot probe
// which credential class almost matched.
func (v *Validator) Validate(raw string) (*contracts.Principal, *rpc.Error) {
	if raw == "" {
		return nil, rpc.Errorf(rpc.KindUnauthorized, "missing bearer token")
	}

	if key, ok := v.store.LookupServiceKey(raw); ok {
		return contracts.NewServicePrincipal(key.KeyID, key.Scopes), nil
	}

	if tok, ok := v.store.LookupToken(raw); ok {
		if tok.Expired(time.Now().UTC()) {
			return nil, rpc.Errorf(rpc.KindUnauthorized, "token is expired")
		}
		user := v.store.GetUser(tok.UserID)
		if user == nil || !user.Active {
			return nil, rpc.Errorf(rpc.KindUnauthorized, "token subject is not active")
		}
		p := contracts.NewOAuthPrincipal(tok.UserID, user.Email, tok.Scopes)
		p.ExpiresAt = tok.CreatedAt.Add(time.Duration(tok.ExpiresIn) * time.Second)
		return p, nil
	}

	// JWTs have two dots; skip the parse attempt for anything else.
	if v.signer != nil && strings.Count(raw, ".") == 2 {
		if claims, err := v.signer.ParseServiceJWT(raw); err == nil {
			if claims.Subject == "" {
				return nil, rpc.Errorf(rpc.KindUnauthorized, "token has no subject")
			}
			return contracts.NewOAuthPrincipal(claims.Subject, claims.Email, claims.Scopes), nil
		}
	}

	return nil, rpc.Errorf(rpc.KindUnauthorized, "invalid bearer token")
}
