package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Discovery documents. MCP inspector clients fetch these cross-origin from
// browser contexts, so every well-known endpoint answers CORS preflight and
// sends a permissive allow-origin on GET.

func (s *Server) base() string {
	return strings.TrimSuffix(s.cfg.BaseURL, "/")
}

func discoveryCORS(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, MCP-Protocol-Version")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func writeDiscovery(w http.ResponseWriter, doc any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=300")
	json.NewEncoder(w).Encode(doc)
}

// HandleASMetadata serves /.well-known/oauth-authorization-server (RFC 8414).
func (s *Server) HandleASMetadata(w http.ResponseWriter, r *http.Request) {
	if discoveryCORS(w, r) {
		return
	}
	base := s.base()
	writeDiscovery(w, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"registration_endpoint":                 base + "/oauth/register",
		"revocation_endpoint":                   base + "/oauth/revoke",
		"jwks_uri":                              base + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"scopes_supported":                      []string{"openid", "email", "ai.generate", "keys.manage", "wallet.read", "admin"},
	})
}

// HandleProtectedResource serves /.well-known/oauth-protected-resource
// (RFC 9728), pointing resource clients at this same authorization server.
func (s *Server) HandleProtectedResource(w http.ResponseWriter, r *http.Request) {
	if discoveryCORS(w, r) {
		return
	}
	base := s.base()
	writeDiscovery(w, map[string]any{
		"resource":                 base,
		"authorization_servers":    []string{base},
		"bearer_methods_supported": []string{"header"},
	})
}

// HandleOIDCConfig serves /.well-known/openid-configuration.
func (s *Server) HandleOIDCConfig(w http.ResponseWriter, r *http.Request) {
	if discoveryCORS(w, r) {
		return
	}
	base := s.base()
	writeDiscovery(w, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              base + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"claims_supported":                      []string{"sub", "email", "iss", "aud", "exp", "iat"},
	})
}

// HandleJWKS serves /.well-known/jwks.json. Without a signer the set is
// empty, which is a valid JWKS.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	if discoveryCORS(w, r) {
		return
	}
	if s.signer == nil {
		writeDiscovery(w, map[string]any{"keys": []any{}})
		return
	}
	writeDiscovery(w, s.signer.JWKS())
}
