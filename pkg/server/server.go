// Package server is the public entry point for composing the relay gateway.
//
// It lives in pkg/ (not internal/) so embedding deployments can build the
// full gateway, wrap the handler in their own middleware and reuse the
// validated configuration.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/internal/api"
	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/executor"
	"github.com/modelrelay/relay/internal/ledger"
	"github.com/modelrelay/relay/internal/mcp"
	"github.com/modelrelay/relay/internal/mcpremote"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/secrets"
	"github.com/modelrelay/relay/internal/telemetry"
	"github.com/modelrelay/relay/pkg/contracts"
)

// Server holds the composed relay gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	shutdowns []func(context.Context) error
}

// New loads configuration and composes the gateway.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig composes the gateway from an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	srv := &Server{Config: cfg, Port: cfg.Port}

	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.shutdowns = append(srv.shutdowns, telemetryShutdown)

	// ── Auth ────────────────────────────────────────────

	snapshotPath := ""
	if cfg.OAuth.Sessions.Type == "file" {
		snapshotPath = cfg.OAuth.Sessions.Path
	}
	authStore := auth.NewStore(snapshotPath)
	srv.shutdowns = append(srv.shutdowns, func(context.Context) error { return authStore.Close() })

	issuer := cfg.OAuth.BaseURL
	if issuer == "" {
		issuer = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	signer, err := auth.NewSigner(cfg.JWT, issuer)
	if err != nil {
		return nil, fmt.Errorf("init token signer: %w", err)
	}
	validator := auth.NewValidator(authStore, signer)

	var oauthSrv *auth.Server
	if cfg.OAuth.Enabled {
		oauthSrv = auth.NewServer(authStore, cfg.OAuth, signer)
		log.Info().Msg("✅ OAuth authorization server initialized")
	}

	// ── Secret store ────────────────────────────────────

	var secretStore contracts.SecretStore
	switch {
	case cfg.OAuth.EncryptionKey == "":
		log.Warn().Msg("No encryption key configured, stored API keys disabled")
	case cfg.Tokens.DatabaseURL != "":
		pg, err := secrets.NewPostgresStore(ctx, cfg.Tokens.DatabaseURL, cfg.OAuth.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("init secret store: %w", err)
		}
		secretStore = pg
		srv.shutdowns = append(srv.shutdowns, func(context.Context) error { pg.Close(); return nil })
		log.Info().Msg("✅ Secret store initialized (postgres)")
	default:
		mem, err := secrets.NewMemoryStore(cfg.OAuth.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("init secret store: %w", err)
		}
		secretStore = mem
		log.Info().Msg("✅ Secret store initialized (memory)")
	}

	// ── Ledger ──────────────────────────────────────────

	var led contracts.Ledger
	if cfg.Tokens.Enabled {
		if cfg.Tokens.DatabaseURL != "" {
			pg, err := ledger.NewPostgresLedger(ctx, cfg.Tokens.DatabaseURL, cfg.Tokens.MonthlyQuotaTokens)
			if err != nil {
				return nil, fmt.Errorf("init ledger: %w", err)
			}
			led = pg
			srv.shutdowns = append(srv.shutdowns, func(context.Context) error { pg.Close(); return nil })
			log.Info().Msg("✅ Token ledger initialized (postgres)")
		} else {
			led = ledger.NewMemoryLedger(cfg.Tokens.MonthlyQuotaTokens)
			log.Info().Msg("✅ Token ledger initialized (memory)")
		}
	}

	// ── Providers ───────────────────────────────────────

	reg := registry.New()
	adapters := make(map[string]contracts.ProviderAdapter, len(cfg.Providers))
	for _, p := range cfg.Providers {
		adapter, err := provider.New(p)
		if err != nil {
			log.Warn().Str("provider", p.Name).Err(err).Msg("Provider skipped")
			continue
		}
		adapters[p.Name] = adapter
	}
	log.Info().Int("providers", len(adapters)).Msg("✅ Provider adapters initialized")

	// ── Remote tool servers ─────────────────────────────

	var tools contracts.ToolSource
	var remoteStatus api.RemoteStatus
	var manager *mcpremote.Manager
	if cfg.Remote.Enabled {
		manager = mcpremote.NewManager(cfg.Remote)
		manager.Start(ctx)
		tools = manager
		remoteStatus = manager
		srv.shutdowns = append(srv.shutdowns, func(context.Context) error { manager.Shutdown(); return nil })
		log.Info().Int("servers", len(cfg.Remote.Servers)).Msg("✅ Remote tool servers started")
	}

	// ── Pipeline and catalog ────────────────────────────

	exec := executor.New(cfg, reg, adapters, secretStore, led, tools)

	cat := catalog.New()
	api.RegisterProcedures(cat, api.Deps{
		Cfg:       cfg,
		Executor:  exec,
		Models:    reg,
		Secrets:   secretStore,
		Ledger:    led,
		Remote:    remoteStatus,
		StartedAt: time.Now(),
	})
	if err := cat.Freeze(); err != nil {
		return nil, fmt.Errorf("freeze catalog: %w", err)
	}
	log.Info().Int("procedures", len(cat.List())).Msg("✅ Procedure catalog frozen")

	var mcpGW *mcp.Gateway
	if cfg.MCP.Enabled {
		mcpGW = mcp.NewGateway(cat, cfg.MCP, cfg.Version)
		log.Info().Msg("✅ MCP surface initialized")
	}

	var webhook http.Handler
	if cfg.Tokens.Enabled && led != nil {
		webhook = ledger.NewWebhookHandler(led, cfg.Tokens.WebhookSecret)
	}

	srv.Handler = api.NewRouter(cfg, api.RouterDeps{
		Catalog:   cat,
		OAuth:     oauthSrv,
		Validator: validator,
		MCP:       mcpGW,
		Webhook:   webhook,
	})
	return srv, nil
}

// Shutdown releases every subsystem in reverse initialization order.
func (s *Server) Shutdown(ctx context.Context) {
	for i := len(s.shutdowns) - 1; i >= 0; i-- {
		if err := s.shutdowns[i](ctx); err != nil {
			log.Warn().Err(err).Msg("Shutdown step failed")
		}
	}
}
