package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/executor"
	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/rpc"
)

func testConfig() *config.Config {
	return &config.Config{
		Version:                "1.2.3",
		RequireAuthForGenerate: true,
		Protocols:              config.Protocols{Envelope: true, Typed: true},
		Paths: config.Paths{
			RPC:     "/rpc",
			TRPC:    "/trpc",
			Health:  "/health",
			Webhook: "/webhooks",
		},
		Providers: []config.Provider{{Name: "openai", APIKey: "sk-server", DefaultModel: "gpt-4o-mini"}},
		RateLimit: config.RateLimit{WindowMs: 60_000, Max: 120},
		CORS:      config.CORS{Origin: "*"},
	}
}

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := testConfig()
	reg := registry.New()
	cat := catalog.New()
	RegisterProcedures(cat, Deps{
		Cfg:       cfg,
		Executor:  executor.New(cfg, reg, nil, nil, nil, nil),
		Models:    reg,
		StartedAt: time.Now(),
	})
	if err := cat.Freeze(); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	store := auth.NewStore("")
	return NewRouter(cfg, RouterDeps{
		Catalog:   cat,
		Validator: auth.NewValidator(store, nil),
	})
}

func TestHealthEndpoint(t *testing.T) {
	h := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status    string          `json:"status"`
		Version   string          `json:"version"`
		Protocols map[string]bool `json:"protocols"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %s", rec.Body.String())
	}
	if body.Status != "healthy" || body.Version != "1.2.3" {
		t.Errorf("body = %+v", body)
	}
	if !body.Protocols["envelope"] || !body.Protocols["typed"] {
		t.Errorf("protocols = %v", body.Protocols)
	}
}

func TestVersionEndpoint(t *testing.T) {
	h := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %s", rec.Body.String())
	}
	if body["service"] != "relay-gateway" || body["version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}
}

// With require_auth_for_generate set, an anonymous generateText call fails
// with the unauthorized envelope code before any provider work happens.
func TestAnonymousGenerateIsUnauthorized(t *testing.T) {
	h := testRouter(t)
	body := `{"version":"2.0","id":1,"method":"generateText","params":{"content":"hello"}}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body: %s", rec.Body.String())
	}
	if resp.Error == nil || resp.Error.Code != rpc.CodeUnauthorized {
		t.Errorf("error = %+v, want code %d", resp.Error, rpc.CodeUnauthorized)
	}
}

func TestListProvidersHidesKeyMaterial(t *testing.T) {
	h := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/trpc/listProviders", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-server") {
		t.Fatal("provider listing leaked an API key")
	}
	var resp struct {
		Result struct {
			Default   string `json:"default"`
			Providers []struct {
				Name   string `json:"name"`
				HasKey bool   `json:"has_key"`
			} `json:"providers"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body: %s", rec.Body.String())
	}
	if resp.Result.Default != "openai" || len(resp.Result.Providers) != 1 || !resp.Result.Providers[0].HasKey {
		t.Errorf("result = %+v", resp.Result)
	}
}

func TestDiscoveryDocument(t *testing.T) {
	h := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/openrpc.json", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age") {
		t.Errorf("Cache-Control = %q", cc)
	}
	var doc struct {
		Methods []struct {
			Name string `json:"name"`
		} `json:"methods"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("body: %s", rec.Body.String())
	}
	names := make(map[string]bool)
	for _, m := range doc.Methods {
		names[m.Name] = true
	}
	for _, want := range []string{"health", "generateText", "listModels", "listProviders", "wallet.balance", "usage.list"} {
		if !names[want] {
			t.Errorf("%s missing from discovery", want)
		}
	}
}

func TestInvalidBearerIsRejected(t *testing.T) {
	h := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if www := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(www, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", www)
	}
}
