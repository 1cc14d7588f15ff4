// Package models defines the shared wire and domain models for the relay
// gateway: chat messages, generate calls, model descriptors, usage and
// wallet records, and the MCP wire types.
package models

import (
	"encoding/json"
	"time"
)

// ── Chat messages ───────────────────────────────────────────

// ChatMessage is one message in a conversation.
// Role is one of "system", "user", "assistant", "tool".
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on role=tool results
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // set on assistant messages
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDef describes a callable tool to the model.
//
// External tools carry a JSON-Schema Parameters block. Vendor-native tools
// (e.g. built-in web search) set Raw and are passed through untouched.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Raw         map[string]any `json:"-"`
}

// ── Generate call / result ──────────────────────────────────

// ToolChoice controls how the model may use tools.
// "auto", "none", or a specific tool name.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// GenerateCall is the normalized request handed to a provider adapter.
type GenerateCall struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Tools       []ToolDef     `json:"tools,omitempty"`
	ToolChoice  ToolChoice    `json:"tool_choice,omitempty"`

	// APIKey is the credential resolved for this call (server-owned, user
	// stored, or BYOK). Never logged.
	APIKey string `json:"-"`

	// BaseURL overrides the vendor endpoint (OpenAI-compatible providers).
	BaseURL string `json:"-"`
}

// TokenUsage is the normalized usage block. Vendors disagree on field names;
// adapters map whatever they get into this shape and fill Total when absent.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates usage across multiple adapter calls (tool loop).
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// GenerateResult is the normalized adapter response.
type GenerateResult struct {
	Text         string     `json:"text"`
	Usage        TokenUsage `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// ── Model registry ──────────────────────────────────────────

// ModelDescriptor describes one (provider, id) pair in the registry.
type ModelDescriptor struct {
	Provider      string   `json:"provider"`
	ID            string   `json:"id"`
	DisplayName   string   `json:"display_name,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	ContextWindow int      `json:"context_window,omitempty"`
	Deprecated    bool     `json:"deprecated,omitempty"`
	Replacement   string   `json:"replacement,omitempty"`
	Pricing       *Pricing `json:"pricing,omitempty"`

	// Known reports whether the pair was found in the catalog. Lookup is
	// total: unknown pairs return a descriptor with Known=false, never nil.
	Known bool `json:"known"`
}

// Pricing is cents per token for each direction.
type Pricing struct {
	InputPerToken  float64 `json:"input_per_token"`
	OutputPerToken float64 `json:"output_per_token"`
}

// ModelRestrictions is the per-provider access policy.
// BlockedModels takes priority over both allow shapes.
type ModelRestrictions struct {
	AllowedModels   []string `json:"allowed_models,omitempty" yaml:"allowed_models"`
	AllowedPatterns []string `json:"allowed_patterns,omitempty" yaml:"allowed_patterns"`
	BlockedModels   []string `json:"blocked_models,omitempty" yaml:"blocked_models"`
}

// Empty reports whether no restriction is configured.
func (r *ModelRestrictions) Empty() bool {
	return r == nil || (len(r.AllowedModels) == 0 && len(r.AllowedPatterns) == 0 && len(r.BlockedModels) == 0)
}

// ── Usage accounting ────────────────────────────────────────

// PaymentMethod says who paid for a generation.
type PaymentMethod string

const (
	PaymentCredits PaymentMethod = "credits"
	PaymentBYOK    PaymentMethod = "byok"
)

// UsageRecord is the append-only row describing one completed generation.
// RequestID is the idempotency key for double-write protection.
type UsageRecord struct {
	RequestID        string        `json:"request_id"`
	UserID           string        `json:"user_id"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	TotalTokens      int64         `json:"total_tokens"`
	CostCents        *int64        `json:"cost_cents"` // nil when pricing unknown
	PlatformFeeCents int64         `json:"platform_fee_cents"`
	PaymentMethod    PaymentMethod `json:"payment_method"`
	Timestamp        time.Time     `json:"timestamp"`
}

// WalletState is the per-user token budget.
type WalletState struct {
	UserID             string    `json:"user_id"`
	BalanceTokens      int64     `json:"balance_tokens"`
	MonthlyUsageTokens int64     `json:"monthly_usage_tokens"`
	LastResetAt        time.Time `json:"last_reset_at"`
	Active             bool      `json:"active"`
}

// PrecheckResult is the ledger's answer to "may this user spend N tokens?".
type PrecheckResult struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	BalanceAfter int64  `json:"balance_after,omitempty"`
	UsageAfter   int64  `json:"usage_after,omitempty"`
}

// Payment is the audit row for a processed top-up.
type Payment struct {
	PaymentID   string          `json:"payment_id"`
	UserID      string          `json:"user_id"`
	Kind        string          `json:"kind"`
	AmountCents int64           `json:"amount_cents"`
	Currency    string          `json:"currency"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// SecretStoreHealth is the secret store's health report. Counts only,
// never key material.
type SecretStoreHealth struct {
	Connected bool  `json:"connected"`
	Users     int64 `json:"users"`
	Secrets   int64 `json:"secrets"`
	Providers int64 `json:"providers"`
}

// ── Remote tool servers ─────────────────────────────────────

// RemoteServerState is the lifecycle state of one external tool server.
type RemoteServerState string

const (
	RemoteStarting RemoteServerState = "starting"
	RemoteReady    RemoteServerState = "ready"
	RemoteFailed   RemoteServerState = "failed"
	RemoteStopped  RemoteServerState = "stopped"
)

// RemoteTool is one tool discovered on an external server. Name may carry a
// "<server>__<tool>" prefix when prefixing is enabled.
type RemoteTool struct {
	Server      string         `json:"server"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// RemoteServerStatus is the externally visible state of one tool server.
type RemoteServerStatus struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	State     RemoteServerState `json:"state"`
	Tools     []string          `json:"tools,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// ── MCP wire types ──────────────────────────────────────────

// MCPRequest is a JSON-RPC 2.0 request on the MCP surface.
type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// MCPResponse is a JSON-RPC 2.0 response on the MCP surface.
type MCPResponse struct {
	Jsonrpc string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *MCPError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

// MCPError mirrors the envelope-protocol error object.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// MCPToolInfo is one entry of a tools/list result.
type MCPToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// MCPToolCallParams are the params of a tools/call request.
type MCPToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the content-block result of a tool invocation.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolContent is one content block of a tool result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text concatenates the text blocks of a tool result.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// TextResult builds a single-block text tool result.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

// ErrorResult builds a tool result carrying an error message.
// Tool failures inside the tool loop are not fatal to the request; the model
// sees the error and may recover.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: msg}}, IsError: true}
}
