package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/executor"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/rpc"
	"github.com/modelrelay/relay/pkg/contracts"
	"github.com/modelrelay/relay/pkg/models"
)

// ModelLister is the registry view the procedures need.
type ModelLister interface {
	List(provider string) []models.ModelDescriptor
}

// RemoteStatus reports the external tool-server states. Nil when remote
// servers are disabled.
type RemoteStatus interface {
	Status() []models.RemoteServerStatus
}

// Deps carries everything the procedure handlers reach for. Ledger, secrets
// and remote may be nil when the matching subsystem is disabled.
type Deps struct {
	Cfg      *config.Config
	Executor *executor.Executor
	Models   ModelLister
	Secrets  contracts.SecretStore
	Ledger   contracts.Ledger
	Remote   RemoteStatus

	StartedAt time.Time
}

// RegisterProcedures populates the catalog. One registration yields the
// envelope method, the typed route and (visibility permitting) the MCP tool.
func RegisterProcedures(cat *catalog.Catalog, d Deps) {
	registerHealth(cat, d)
	registerGenerate(cat, d)
	registerModels(cat, d)
	registerKeys(cat, d)
	registerWallet(cat, d)
	registerOps(cat, d)
}

// ── Health ──────────────────────────────────────────────────

func registerHealth(cat *catalog.Catalog, d Deps) {
	cat.Register(catalog.Procedure{
		Name:        "health",
		Kind:        catalog.KindQuery,
		Description: "Gateway liveness, uptime and enabled protocol surfaces.",
		Visibility:  catalog.ToolPublic,
		InputSchema: emptyObject(),
		Handler: func(ctx context.Context, _ *contracts.Principal, _ map[string]any) (any, error) {
			protocols := map[string]bool{
				"envelope": d.Cfg.Protocols.Envelope,
				"typed":    d.Cfg.Protocols.Typed,
				"mcp":      d.Cfg.MCP.Enabled,
			}
			return map[string]any{
				"status":         "healthy",
				"version":        d.Cfg.Version,
				"timestamp":      time.Now().UTC().Format(time.RFC3339),
				"uptime_seconds": int64(time.Since(d.StartedAt).Seconds()),
				"protocols":      protocols,
			}, nil
		},
	})
}

// ── Generate ────────────────────────────────────────────────

func registerGenerate(cat *catalog.Catalog, d Deps) {
	cat.Register(catalog.Procedure{
		Name:        "generateText",
		Kind:        catalog.KindMutation,
		Description: "Generate text with a configured AI provider, with optional web search.",
		Visibility:  catalog.ToolScoped,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"content"},
			"properties": map[string]any{
				"content":       map[string]any{"type": "string", "minLength": 1},
				"prompt_id":     map[string]any{"type": "string"},
				"system_prompt": map[string]any{"type": "string"},
				"vars": map[string]any{
					"type":                 "object",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"api_key": map[string]any{"type": "string"},
				"metadata": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"provider":              map[string]any{"type": "string"},
						"model":                 map[string]any{"type": "string"},
						"max_tokens":            map[string]any{"type": "integer", "minimum": 1},
						"temperature":           map[string]any{"type": "number"},
						"use_web_search":        map[string]any{"type": "boolean"},
						"web_search_preference": map[string]any{"type": "string", "enum": []any{"native", "external", "never"}},
						"max_web_searches":      map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
					},
				},
			},
		},
		Handler: func(ctx context.Context, principal *contracts.Principal, params map[string]any) (any, error) {
			if d.Cfg.RequireAuthForGenerate && principal.IsAnonymous() {
				return nil, rpc.Errorf(rpc.KindUnauthorized, "generateText requires authentication")
			}
			var req executor.Request
			if err := decodeParams(params, &req); err != nil {
				return nil, rpc.Errorf(rpc.KindInvalidParams, "malformed generate request")
			}
			// api_key is excluded from JSON round trips so it cannot leak
			// into logs or traces; lift it out of the raw params directly.
			if key, ok := params["api_key"].(string); ok {
				req.APIKey = key
			}
			return d.Executor.Generate(ctx, principal, &req)
		},
	})
}

// ── Models and providers ────────────────────────────────────

func registerModels(cat *catalog.Catalog, d Deps) {
	cat.Register(catalog.Procedure{
		Name:        "listModels",
		Kind:        catalog.KindQuery,
		Description: "List known models, optionally filtered by provider.",
		Visibility:  catalog.ToolPublic,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"provider": map[string]any{"type": "string"},
			},
		},
		Handler: func(_ context.Context, _ *contracts.Principal, params map[string]any) (any, error) {
			prov, _ := params["provider"].(string)
			return map[string]any{"models": d.Models.List(prov)}, nil
		},
	})

	cat.Register(catalog.Procedure{
		Name:        "listProviders",
		Kind:        catalog.KindQuery,
		Description: "List the providers configured on this gateway.",
		Visibility:  catalog.ToolPublic,
		InputSchema: emptyObject(),
		Handler: func(_ context.Context, _ *contracts.Principal, _ map[string]any) (any, error) {
			out := make([]map[string]any, 0, len(d.Cfg.Providers))
			for _, p := range d.Cfg.Providers {
				out = append(out, map[string]any{
					"name":          p.Name,
					"kind":          p.Kind(),
					"default_model": p.DefaultModel,
					"has_key":       p.APIKey != "",
				})
			}
			return map[string]any{"providers": out, "default": d.Cfg.DefaultProvider()}, nil
		},
	})
}

// ── Stored keys ─────────────────────────────────────────────

func registerKeys(cat *catalog.Catalog, d Deps) {
	providerParam := map[string]any{
		"type":     "object",
		"required": []any{"provider"},
		"properties": map[string]any{
			"provider": map[string]any{"type": "string", "minLength": 1},
		},
	}

	cat.Register(catalog.Procedure{
		Name:           "keys.put",
		Kind:           catalog.KindMutation,
		Description:    "Store or replace the caller's API key for a provider.",
		Visibility:     catalog.ToolHidden,
		RequiredScopes: contracts.RequireScopes("keys.manage"),
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"provider", "api_key"},
			"properties": map[string]any{
				"provider": map[string]any{"type": "string", "minLength": 1},
				"api_key":  map[string]any{"type": "string", "minLength": 1},
			},
		},
		Handler: func(ctx context.Context, principal *contracts.Principal, params map[string]any) (any, error) {
			if d.Secrets == nil {
				return nil, rpc.Errorf(rpc.KindInternal, "secret store is not configured")
			}
			prov, _ := params["provider"].(string)
			key, _ := params["api_key"].(string)
			if err := d.Secrets.Put(ctx, principal.UserID, prov, key); err != nil {
				return nil, rpc.Wrap(rpc.KindInternal, "secret store write failed", err)
			}
			return map[string]any{"stored": true, "provider": prov}, nil
		},
	})

	cat.Register(catalog.Procedure{
		Name:           "keys.list",
		Kind:           catalog.KindQuery,
		Description:    "List the providers the caller has stored keys for.",
		Visibility:     catalog.ToolHidden,
		RequiredScopes: contracts.RequireScopes("keys.manage"),
		InputSchema:    emptyObject(),
		Handler: func(ctx context.Context, principal *contracts.Principal, _ map[string]any) (any, error) {
			if d.Secrets == nil {
				return nil, rpc.Errorf(rpc.KindInternal, "secret store is not configured")
			}
			providers, err := d.Secrets.ListProviders(ctx, principal.UserID)
			if err != nil {
				return nil, rpc.Wrap(rpc.KindInternal, "secret store read failed", err)
			}
			if providers == nil {
				providers = []string{}
			}
			return map[string]any{"providers": providers}, nil
		},
	})

	cat.Register(catalog.Procedure{
		Name:           "keys.delete",
		Kind:           catalog.KindMutation,
		Description:    "Delete the caller's stored API key for a provider.",
		Visibility:     catalog.ToolHidden,
		RequiredScopes: contracts.RequireScopes("keys.manage"),
		InputSchema:    providerParam,
		Handler: func(ctx context.Context, principal *contracts.Principal, params map[string]any) (any, error) {
			if d.Secrets == nil {
				return nil, rpc.Errorf(rpc.KindInternal, "secret store is not configured")
			}
			prov, _ := params["provider"].(string)
			if err := d.Secrets.Delete(ctx, principal.UserID, prov); err != nil {
				return nil, rpc.Wrap(rpc.KindInternal, "secret store delete failed", err)
			}
			return map[string]any{"deleted": true, "provider": prov}, nil
		},
	})
}

// ── Wallet and usage ────────────────────────────────────────

func registerWallet(cat *catalog.Catalog, d Deps) {
	cat.Register(catalog.Procedure{
		Name:           "wallet.balance",
		Kind:           catalog.KindQuery,
		Description:    "The caller's token balance and monthly usage.",
		Visibility:     catalog.ToolScoped,
		RequiredScopes: contracts.RequireScopes("wallet.read"),
		InputSchema:    emptyObject(),
		Handler: func(ctx context.Context, principal *contracts.Principal, _ map[string]any) (any, error) {
			if d.Ledger == nil {
				return nil, rpc.Errorf(rpc.KindInternal, "token tracking is not enabled")
			}
			wallet, err := d.Ledger.Wallet(ctx, principal.UserID)
			if err != nil {
				return nil, rpc.Wrap(rpc.KindInternal, "wallet read failed", err)
			}
			return wallet, nil
		},
	})

	cat.Register(catalog.Procedure{
		Name:           "usage.list",
		Kind:           catalog.KindQuery,
		Description:    "The caller's most recent usage records.",
		Visibility:     catalog.ToolScoped,
		RequiredScopes: contracts.RequireScopes("wallet.read"),
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 500},
			},
		},
		Handler: func(ctx context.Context, principal *contracts.Principal, params map[string]any) (any, error) {
			if d.Ledger == nil {
				return nil, rpc.Errorf(rpc.KindInternal, "token tracking is not enabled")
			}
			limit := 0
			if v, ok := params["limit"].(float64); ok {
				limit = int(v)
			}
			records, err := d.Ledger.ListUsage(ctx, principal.UserID, limit)
			if err != nil {
				return nil, rpc.Wrap(rpc.KindInternal, "usage read failed", err)
			}
			if records == nil {
				records = []models.UsageRecord{}
			}
			return map[string]any{"usage": records}, nil
		},
	})
}

// ── Operations ──────────────────────────────────────────────

func registerOps(cat *catalog.Catalog, d Deps) {
	cat.Register(catalog.Procedure{
		Name:           "mcp.status",
		Kind:           catalog.KindQuery,
		Description:    "State of the configured external tool servers.",
		Visibility:     catalog.ToolScoped,
		RequiredScopes: contracts.ScopeSet{AnyOf: [][]string{{"admin", "ai.generate"}}},
		InputSchema:    emptyObject(),
		Handler: func(_ context.Context, _ *contracts.Principal, _ map[string]any) (any, error) {
			if d.Remote == nil {
				return map[string]any{"enabled": false, "servers": []models.RemoteServerStatus{}}, nil
			}
			return map[string]any{"enabled": true, "servers": d.Remote.Status()}, nil
		},
	})

	cat.Register(catalog.Procedure{
		Name:           "providers.test",
		Kind:           catalog.KindMutation,
		Description:    "Probe a configured provider with a minimal upstream call.",
		Visibility:     catalog.ToolHidden,
		RequiredScopes: contracts.RequireScopes("admin"),
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"provider"},
			"properties": map[string]any{
				"provider": map[string]any{"type": "string", "minLength": 1},
				"api_key":  map[string]any{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, _ *contracts.Principal, params map[string]any) (any, error) {
			name, _ := params["provider"].(string)
			pcfg := d.Cfg.ProviderByName(name)
			if pcfg == nil {
				return nil, rpc.Errorf(rpc.KindInvalidParams, "unknown provider %q", name)
			}
			key, _ := params["api_key"].(string)
			if key == "" {
				key = pcfg.APIKey
			}
			return provider.Test(ctx, *pcfg, key), nil
		},
	})
}

// ── helpers ─────────────────────────────────────────────────

func emptyObject() map[string]any {
	return map[string]any{"type": "object", "additionalProperties": false}
}

// decodeParams round-trips the generic param map into a typed request.
func decodeParams(params map[string]any, dst any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
