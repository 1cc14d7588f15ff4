package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/internal/auth"
	pkgmw "github.com/modelrelay/relay/pkg/middleware"
)

// Bearer authenticates requests carrying an Authorization: Bearer header and
// stores the resulting principal in the request context.
//
// Resolution is lenient here: a missing header simply yields an anonymous
// principal and the scope policy downstream decides whether that is enough.
// A header that is present but does not resolve is rejected immediately, so
// a caller never proceeds believing it is authenticated when it is not. The
// raw token never reaches a log line.
type Bearer struct {
	validator *auth.Validator
}

// NewBearer creates the bearer middleware over a validator.
func NewBearer(validator *auth.Validator) *Bearer {
	return &Bearer{validator: validator}
}

// Handler returns the middleware handler.
func (b *Bearer) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, present := bearerToken(r)
		if !present {
			next.ServeHTTP(w, r)
			return
		}

		principal, rerr := b.validator.Validate(raw)
		if rerr != nil {
			log.Debug().Str("path", r.URL.Path).Str("reason", rerr.Message).Msg("Bearer rejected")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","message":"bearer token is not valid"}`))
			return
		}

		ctx := pkgmw.SetPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the credential and reports whether the header carried
// a bearer at all. A malformed Authorization header counts as present with
// an empty credential, which the validator rejects.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, rest, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(rest), true
}
