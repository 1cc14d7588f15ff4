package rpc

import (
	"context"
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/pkg/contracts"
)

// Procedure is the catalog view the dispatcher needs. Declared here to keep
// the dependency arrow pointing from the catalog to the protocol package.
type Procedure interface {
	ProcName() string
	// Query distinguishes idempotent reads from mutations. The typed
	// surface maps queries to GET and mutations to POST.
	Query() bool
	Scopes() contracts.ScopeSet
	Validate(params map[string]any) *Error
	Call(ctx context.Context, principal *contracts.Principal, params map[string]any) (any, error)
}

var methodNameRe = regexp.MustCompile(`^[A-Za-z0-9._]+$`)

// ValidMethodName reports whether a method name is within the allowed
// charset. Checked before existence so probing for odd names cannot tell
// registered from unregistered methods apart by error shape.
func ValidMethodName(name string) bool { return methodNameRe.MatchString(name) }

// Resolver looks procedures up by name.
type Resolver interface {
	Resolve(name string) (Procedure, *Error)
}

// Dispatch runs the shared tail of both surfaces: method existence, scope
// policy, schema validation, handler. Both protocols and the MCP surface
// call this, so they cannot diverge behaviorally.
func Dispatch(ctx context.Context, resolver Resolver, principal *contracts.Principal, method string, params map[string]any) (any, *Error) {
	proc, rerr := resolver.Resolve(method)
	if rerr != nil {
		return nil, rerr
	}

	if scopes := proc.Scopes(); !scopes.Empty() {
		if principal.IsAnonymous() {
			return nil, Errorf(KindUnauthorized, "method %q requires authentication", method)
		}
		if !scopes.SatisfiedBy(principal) {
			return nil, Errorf(KindForbidden, "principal lacks the scopes required by %q", method)
		}
	}

	if rerr := proc.Validate(params); rerr != nil {
		return nil, rerr
	}

	result, err := proc.Call(ctx, principal, params)
	if err != nil {
		ge := AsError(err)
		if ge.Kind == KindInternal {
			log.Error().Err(ge).Str("method", method).Msg("Handler failed")
		}
		return nil, ge
	}
	return result, nil
}
