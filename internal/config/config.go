// Package config loads the relay gateway configuration.
//
// Configuration is env-first with an optional YAML file (RELAY_CONFIG or
// --config). The file carries the structured surface (providers, prompts,
// restrictions, remote tool servers); environment variables override the
// scalar knobs and supply secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/modelrelay/relay/pkg/models"
)

// Config is the full configuration for the relay gateway.
type Config struct {
	Port       int    `yaml:"port"`
	Version    string `yaml:"-"`
	TrustProxy bool   `yaml:"trust_proxy"`

	// Development relaxes error redaction: internal error detail may be
	// returned in the error data. Never enable in production.
	Development bool `yaml:"development"`

	RequireAuthForGenerate bool `yaml:"require_auth_for_generate"`

	Protocols Protocols       `yaml:"protocols"`
	Paths     Paths           `yaml:"paths"`
	Providers []Provider      `yaml:"providers"`
	Prompts   map[string]Prompt `yaml:"system_prompts"`

	// ModelRestrictions is the global policy; per-provider restrictions
	// override it.
	ModelRestrictions map[string]models.ModelRestrictions `yaml:"model_restrictions"`

	MCP       MCP           `yaml:"mcp"`
	OAuth     OAuth         `yaml:"oauth"`
	JWT       JWT           `yaml:"jwt"`
	RateLimit RateLimit     `yaml:"rate_limit"`
	CORS      CORS          `yaml:"cors"`
	Tokens    TokenTracking `yaml:"token_tracking"`
	Remote    RemoteServers `yaml:"remote_mcp_servers"`
	Telemetry Telemetry     `yaml:"telemetry"`
}

// Protocols enables or disables the two front-door surfaces.
type Protocols struct {
	Envelope bool `yaml:"envelope"`
	Typed    bool `yaml:"typed"`
}

// Paths overrides the default mount points.
type Paths struct {
	RPC     string `yaml:"rpc"`
	TRPC    string `yaml:"trpc"`
	Health  string `yaml:"health"`
	Webhook string `yaml:"webhook"`
}

// Provider configures one upstream AI vendor. The YAML form may be a bare
// string (the provider name) or the full object.
type Provider struct {
	Name         string                     `yaml:"name"`
	Type         string                     `yaml:"type"` // adapter kind; defaults to Name
	APIKey       string                     `yaml:"api_key"`
	BaseURL      string                     `yaml:"base_url"`
	DefaultModel string                     `yaml:"default_model"`
	Prompts      map[string]Prompt          `yaml:"system_prompts"`
	Restrictions *models.ModelRestrictions  `yaml:"model_restrictions"`
}

// UnmarshalYAML accepts both the string and object provider forms.
func (p *Provider) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Name = value.Value
		return nil
	}
	type raw Provider
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	*p = Provider(r)
	return nil
}

// Kind returns the adapter kind for the provider.
func (p *Provider) Kind() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// Prompt is one system-prompt catalog entry. The YAML form may be the bare
// prompt text or an object with text and description.
type Prompt struct {
	Text        string `yaml:"text"`
	Description string `yaml:"description"`
}

func (p *Prompt) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Text = value.Value
		return nil
	}
	type raw Prompt
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	*p = Prompt(r)
	return nil
}

// MCP configures the tool surface.
type MCP struct {
	Enabled    bool          `yaml:"enabled"`
	Transports MCPTransports `yaml:"transports"`
	Auth       MCPAuth       `yaml:"auth"`
	AdminUsers []string      `yaml:"admin_users"`
}

type MCPTransports struct {
	HTTP  bool `yaml:"http"`
	Stdio bool `yaml:"stdio"`
	SSE   bool `yaml:"sse"`
}

// MCPAuth controls when the tool surface requires a principal.
// PublicTools overrides per-procedure scopes for the named tools.
type MCPAuth struct {
	RequireForList bool     `yaml:"require_for_list"`
	RequireForCall bool     `yaml:"require_for_call"`
	PublicTools    []string `yaml:"public_tools"`
}

// OAuth configures the authorization server and federated identity.
type OAuth struct {
	Enabled bool `yaml:"enabled"`

	// ClientID/ClientSecret are the gateway's credentials at the upstream
	// identity provider for federated login.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// Upstream identity provider endpoints. Empty disables federation.
	UpstreamAuthorizeURL string `yaml:"upstream_authorize_url"`
	UpstreamTokenURL     string `yaml:"upstream_token_url"`
	UpstreamUserinfoURL  string `yaml:"upstream_userinfo_url"`

	// EncryptionKey protects the secret store (32 bytes, hex accepted).
	EncryptionKey string `yaml:"encryption_key"`

	BaseURL     string         `yaml:"base_url"`
	RedirectURI string         `yaml:"redirect_uri"`
	Sessions    SessionStorage `yaml:"session_storage"`

	AccessTokenTTLSeconds  int64 `yaml:"access_token_ttl_seconds"`
	RefreshTokenTTLSeconds int64 `yaml:"refresh_token_ttl_seconds"`
}

// SessionStorage configures the advisory token-store snapshot.
type SessionStorage struct {
	Type string `yaml:"type"` // "memory" or "file"
	Path string `yaml:"path"`
}

// JWT configures optional HS256 bearer validation alongside opaque tokens.
type JWT struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// RateLimit is the sliding-window limit per source identity. Auth endpoints
// use a quarter of Max with the same window.
type RateLimit struct {
	WindowMs int64 `yaml:"window_ms"`
	Max      int   `yaml:"max"`
}

// CORS mirrors the browser-facing knobs.
type CORS struct {
	Origin      string `yaml:"origin"`
	Credentials bool   `yaml:"credentials"`
}

// TokenTracking configures the virtual-token ledger.
type TokenTracking struct {
	Enabled            bool    `yaml:"enabled"`
	PlatformFeePercent float64 `yaml:"platform_fee_percent"`
	DatabaseURL        string  `yaml:"database_url"`
	WebhookSecret      string  `yaml:"webhook_secret"`
	WebhookPath        string  `yaml:"webhook_path"`
	MonthlyQuotaTokens int64   `yaml:"monthly_quota_tokens"`
}

// RemoteServers configures the remote tool-server manager.
type RemoteServers struct {
	Enabled         bool           `yaml:"enabled"`
	PrefixToolNames bool           `yaml:"prefix_tool_names"`
	Servers         []RemoteServer `yaml:"servers"`
}

// RemoteServer is one external tool server.
type RemoteServer struct {
	Name      string   `yaml:"name"`
	Transport string   `yaml:"transport"` // stdio | container | http_sse
	URL       string   `yaml:"url"`
	Command   string   `yaml:"command"`
	Image     string   `yaml:"image"`
	Args      []string `yaml:"args"`
	Mount     string   `yaml:"mount"` // host dir mounted into containers
	TimeoutMs int64    `yaml:"timeout_ms"`

	AutoStart      bool  `yaml:"auto_start"`
	StartupRetries int   `yaml:"startup_retries"`
	StartupDelayMs int64 `yaml:"startup_delay_ms"`
}

// Telemetry configures OTLP tracing.
type Telemetry struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// ── Loading ─────────────────────────────────────────────────

// Load reads the YAML file named by RELAY_CONFIG (if any), then applies
// environment overrides and defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("RELAY_PORT", c.Port)
	c.Version = envStr("RELAY_VERSION", c.Version)
	c.TrustProxy = envBool("RELAY_TRUST_PROXY", c.TrustProxy)
	c.Development = envBool("RELAY_DEV", c.Development)
	c.RequireAuthForGenerate = envBool("RELAY_REQUIRE_AUTH_FOR_GENERATE", c.RequireAuthForGenerate)

	c.OAuth.EncryptionKey = envStr("RELAY_ENCRYPTION_KEY", c.OAuth.EncryptionKey)
	c.OAuth.ClientSecret = envStr("RELAY_OAUTH_CLIENT_SECRET", c.OAuth.ClientSecret)
	c.JWT.Secret = envStr("RELAY_JWT_SECRET", c.JWT.Secret)
	c.Tokens.DatabaseURL = envStr("DATABASE_URL", c.Tokens.DatabaseURL)
	c.Tokens.WebhookSecret = envStr("RELAY_WEBHOOK_SECRET", c.Tokens.WebhookSecret)

	c.Telemetry.Enabled = envBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)

	// Per-provider API keys: RELAY_OPENAI_API_KEY etc. override the file.
	for i := range c.Providers {
		key := "RELAY_" + upperSnake(c.Providers[i].Name) + "_API_KEY"
		c.Providers[i].APIKey = envStr(key, c.Providers[i].APIKey)
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Version == "" {
		c.Version = "0.1.0"
	}
	if !c.Protocols.Envelope && !c.Protocols.Typed {
		c.Protocols.Envelope = true
		c.Protocols.Typed = true
	}
	if c.Paths.RPC == "" {
		c.Paths.RPC = "/rpc"
	}
	if c.Paths.TRPC == "" {
		c.Paths.TRPC = "/trpc"
	}
	if c.Paths.Health == "" {
		c.Paths.Health = "/health"
	}
	if c.Paths.Webhook == "" {
		c.Paths.Webhook = "/webhooks"
	}
	if c.Tokens.WebhookPath != "" {
		c.Paths.Webhook = c.Tokens.WebhookPath
	}
	if c.RateLimit.WindowMs == 0 {
		c.RateLimit.WindowMs = 60_000
	}
	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = 120
	}
	if c.CORS.Origin == "" {
		c.CORS.Origin = "*"
	}
	if c.OAuth.AccessTokenTTLSeconds == 0 {
		c.OAuth.AccessTokenTTLSeconds = 3600
	}
	if c.OAuth.RefreshTokenTTLSeconds == 0 {
		c.OAuth.RefreshTokenTTLSeconds = 30 * 24 * 3600
	}
	if c.Tokens.PlatformFeePercent == 0 {
		c.Tokens.PlatformFeePercent = 10
	}
	if c.Tokens.MonthlyQuotaTokens == 0 {
		c.Tokens.MonthlyQuotaTokens = 2_000_000
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "relay-gateway"
	}
	for i := range c.Remote.Servers {
		s := &c.Remote.Servers[i]
		if s.TimeoutMs == 0 {
			s.TimeoutMs = 30_000
		}
		if s.StartupRetries == 0 {
			s.StartupRetries = 3
		}
		if s.StartupDelayMs == 0 {
			s.StartupDelayMs = 500
		}
	}
}

// ProviderByName returns the configured provider, or nil.
func (c *Config) ProviderByName(name string) *Provider {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// DefaultProvider is the first configured provider, the server default when
// neither the request nor the principal names one.
func (c *Config) DefaultProvider() string {
	if len(c.Providers) == 0 {
		return ""
	}
	return c.Providers[0].Name
}

// RestrictionsFor merges the global and per-provider restriction policy;
// the per-provider block wins when present.
func (c *Config) RestrictionsFor(provider string) *models.ModelRestrictions {
	if p := c.ProviderByName(provider); p != nil && !p.Restrictions.Empty() {
		return p.Restrictions
	}
	if r, ok := c.ModelRestrictions[provider]; ok {
		return &r
	}
	return nil
}

// PromptText resolves a prompt id against per-provider then global catalogs.
func (c *Config) PromptText(provider, id string) (string, bool) {
	if p := c.ProviderByName(provider); p != nil {
		if prompt, ok := p.Prompts[id]; ok {
			return prompt.Text, true
		}
	}
	if prompt, ok := c.Prompts[id]; ok {
		return prompt.Text, true
	}
	return "", false
}

// ── env helpers ─────────────────────────────────────────────

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func upperSnake(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			out = append(out, ch-'a'+'A')
		case ch == '-' || ch == '.':
			out = append(out, '_')
		default:
			out = append(out, ch)
		}
	}
	return string(out)
}
