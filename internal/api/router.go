// Package api assembles the HTTP surface of the relay gateway: the protocol
// front door, the OAuth authorization server, the MCP surface, webhooks and
// the operational endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelrelay/relay/internal/api/middleware"
	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/mcp"
	"github.com/modelrelay/relay/internal/rpc"
	"github.com/modelrelay/relay/pkg/contracts"
)

// RouterDeps are the wired subsystems the router mounts. OAuth, MCP and the
// webhook handler may be nil when their subsystem is disabled.
type RouterDeps struct {
	Catalog   *catalog.Catalog
	OAuth     *auth.Server
	Validator *auth.Validator
	MCP       *mcp.Gateway
	Webhook   http.Handler
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(cfg *config.Config, d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORS.Origin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: cfg.CORS.Credentials,
		MaxAge:           300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.NewRateLimiter(cfg.RateLimit, cfg.TrustProxy).Handler)
	// Bearer sits outside Telemetry so spans can record the principal kind.
	if d.Validator != nil {
		r.Use(middleware.NewBearer(d.Validator).Handler)
	}
	if cfg.Telemetry.Enabled {
		r.Use(middleware.Telemetry)
	}

	// Health & info
	r.Get(cfg.Paths.Health, dispatchHandler(d.Catalog, "health"))
	r.Get("/version", versionHandler(cfg))

	// Protocol front door
	if cfg.Protocols.Envelope {
		envelope := rpc.NewEnvelopeHandler(d.Catalog, cfg.Development)
		r.Post(cfg.Paths.RPC, envelope.ServeHTTP)
	}
	if cfg.Protocols.Typed {
		typed := rpc.NewTypedHandler(d.Catalog, cfg.Development)
		r.Handle(cfg.Paths.TRPC+"/{procedure}", typed)
	}
	r.Get("/openrpc.json", discoveryHandler(cfg, d.Catalog))

	// MCP surface
	if cfg.MCP.Enabled && d.MCP != nil {
		r.Post("/mcp", d.MCP.ServeHTTP)
		if cfg.MCP.Transports.SSE {
			r.Get("/mcp", d.MCP.ServeSSE)
		}
	}

	// OAuth authorization server. The bare endpoints match what generic
	// clients construct from discovery; the /oauth/ aliases match clients
	// that hardcode the conventional prefix.
	if d.OAuth != nil {
		r.Get("/authorize", d.OAuth.HandleAuthorize)
		r.Get("/oauth/authorize", d.OAuth.HandleAuthorize)
		r.Post("/token", d.OAuth.HandleToken)
		r.Post("/oauth/token", d.OAuth.HandleToken)
		r.Post("/register", d.OAuth.HandleRegister)
		r.Post("/oauth/register", d.OAuth.HandleRegister)
		r.Post("/revoke", d.OAuth.HandleRevoke)
		r.Post("/oauth/revoke", d.OAuth.HandleRevoke)
		r.Get("/oauth/callback", d.OAuth.HandleCallback)

		r.HandleFunc("/.well-known/oauth-authorization-server", d.OAuth.HandleASMetadata)
		r.HandleFunc("/.well-known/oauth-protected-resource", d.OAuth.HandleProtectedResource)
		r.HandleFunc("/.well-known/openid-configuration", d.OAuth.HandleOIDCConfig)
		r.HandleFunc("/.well-known/jwks.json", d.OAuth.HandleJWKS)
	}

	// Payment webhooks
	if d.Webhook != nil {
		r.Post(cfg.Paths.Webhook+"/{provider}", d.Webhook.ServeHTTP)
	}

	return r
}

// dispatchHandler serves one catalog query on a plain GET route.
func dispatchHandler(cat *catalog.Catalog, method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, rerr := rpc.Dispatch(r.Context(), cat, contracts.Anonymous(), method, map[string]any{})
		w.Header().Set("Content-Type", "application/json")
		if rerr != nil {
			w.WriteHeader(rerr.HTTPStatus())
			_ = json.NewEncoder(w).Encode(map[string]any{"error": rerr.Message})
			return
		}
		_ = json.NewEncoder(w).Encode(result)
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "relay-gateway",
		})
	}
}

func discoveryHandler(cfg *config.Config, cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(cat.OpenRPCDocument(cfg.Version))
	}
}
