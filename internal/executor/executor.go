// Package executor runs the generate pipeline: prompt resolution, provider
// and key selection, model policy, quota precheck, the upstream call, the
// external tool loop and usage accounting.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/rpc"
	"github.com/modelrelay/relay/internal/secrets"
	"github.com/modelrelay/relay/pkg/contracts"
	"github.com/modelrelay/relay/pkg/models"
)

// WebSearchPreference selects how a web-search request is satisfied.
const (
	SearchNative   = "native"
	SearchExternal = "external"
	SearchNever    = "never"
)

// DefaultMaxWebSearches bounds the external tool loop when the caller does
// not say otherwise.
const DefaultMaxWebSearches = 3

// Request is one generate call.
type Request struct {
	Content      string            `json:"content"`
	PromptID     string            `json:"prompt_id,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Vars         map[string]string `json:"vars,omitempty"`
	Metadata     Metadata          `json:"metadata,omitempty"`

	// APIKey is a caller-supplied BYOK credential. Never logged.
	APIKey string `json:"-"`
}

// Metadata tunes one generate call.
type Metadata struct {
	Provider            string   `json:"provider,omitempty"`
	Model               string   `json:"model,omitempty"`
	MaxTokens           int      `json:"max_tokens,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
	UseWebSearch        bool     `json:"use_web_search,omitempty"`
	WebSearchPreference string   `json:"web_search_preference,omitempty"`
	MaxWebSearches      int      `json:"max_web_searches,omitempty"`
}

// Response is the generate result returned to the caller.
type Response struct {
	Content      string            `json:"content"`
	Usage        models.TokenUsage `json:"usage"`
	Model        string            `json:"model"`
	Provider     string            `json:"provider"`
	RequestID    string            `json:"request_id"`
	FinishReason string            `json:"finish_reason,omitempty"`
}

// Executor owns the pipeline dependencies. Adapters are keyed by provider
// name and constructed once at startup.
type Executor struct {
	cfg      *config.Config
	registry *registry.Registry
	adapters map[string]contracts.ProviderAdapter
	secrets  contracts.SecretStore
	ledger   contracts.Ledger
	tools    contracts.ToolSource

	// promptWarned tracks prompt ids that fell back to literal text, one
	// warning per process per id.
	promptWarned sync.Map
}

// New creates the executor. Ledger and tools may be nil when token tracking
// or remote servers are disabled.
func New(cfg *config.Config, reg *registry.Registry, adapters map[string]contracts.ProviderAdapter, sec contracts.SecretStore, led contracts.Ledger, tools contracts.ToolSource) *Executor {
	return &Executor{
		cfg:      cfg,
		registry: reg,
		adapters: adapters,
		secrets:  sec,
		ledger:   led,
		tools:    tools,
	}
}

// Generate runs the full pipeline for one request.
func (e *Executor) Generate(ctx context.Context, principal *contracts.Principal, req *Request) (*Response, error) {
	requestID := uuid.New().String()
	start := time.Now()

	if strings.TrimSpace(req.Content) == "" {
		return nil, rpc.Errorf(rpc.KindInvalidParams, "content is required")
	}
	if req.PromptID != "" && req.SystemPrompt != "" {
		return nil, rpc.Errorf(rpc.KindInvalidParams, "prompt_id and system_prompt are mutually exclusive")
	}

	// Provider choice: request metadata, then the principal's preference,
	// then the server default.
	providerName := req.Metadata.Provider
	if providerName == "" {
		providerName = principal.Provider
	}
	if providerName == "" {
		providerName = e.cfg.DefaultProvider()
	}
	providerCfg := e.cfg.ProviderByName(providerName)
	adapter := e.adapters[providerName]
	if providerCfg == nil || adapter == nil {
		return nil, rpc.Errorf(rpc.KindInvalidParams, "unknown provider %q", providerName)
	}

	systemPrompt := e.resolvePrompt(providerName, req)

	// Key resolution: BYOK, then the user's stored key, then the server key.
	apiKey, paymentMethod, rerr := e.resolveKey(ctx, principal, providerName, providerCfg, req.APIKey)
	if rerr != nil {
		return nil, rerr
	}

	// Model resolution and policy.
	descriptor, rerr := e.registry.Resolve(providerName, req.Metadata.Model, providerCfg.DefaultModel)
	if rerr != nil {
		return nil, rerr
	}
	if rerr := registry.CheckAllowed(providerName, descriptor.ID, e.cfg.RestrictionsFor(providerName)); rerr != nil {
		return nil, rerr
	}

	// Quota precheck, before any upstream traffic. BYOK calls spend the
	// caller's own credential and skip the wallet entirely.
	estimate := estimateTokens(req.Content + systemPrompt)
	if paymentMethod == models.PaymentCredits && e.ledger != nil && !principal.IsAnonymous() {
		pre, err := e.ledger.Precheck(ctx, principal.UserID, estimate)
		if err != nil {
			return nil, rpc.Wrap(rpc.KindInternal, "quota precheck failed", err)
		}
		if !pre.Allowed {
			return nil, rpc.Errorf(rpc.KindQuotaExceeded, "request refused: %s", pre.Reason).
				WithData(map[string]any{"estimated_tokens": estimate})
		}
	}

	// Tool preparation.
	toolPlan := e.prepareTools(ctx, adapter, &req.Metadata)
	if toolPlan.capabilities != "" {
		if systemPrompt != "" {
			systemPrompt += "\n\n"
		}
		systemPrompt += toolPlan.capabilities
	}

	call := &models.GenerateCall{
		Model:       descriptor.ID,
		MaxTokens:   req.Metadata.MaxTokens,
		Temperature: req.Metadata.Temperature,
		Tools:       toolPlan.tools,
		APIKey:      apiKey,
		BaseURL:     providerCfg.BaseURL,
	}
	if systemPrompt != "" {
		call.Messages = append(call.Messages, models.ChatMessage{Role: "system", Content: systemPrompt})
	}
	call.Messages = append(call.Messages, models.ChatMessage{Role: "user", Content: req.Content})

	result, totalUsage, err := e.runLoop(ctx, adapter, call, toolPlan)
	if err != nil {
		return nil, rpc.AsError(err)
	}

	e.account(ctx, principal, requestID, providerName, &descriptor, totalUsage, paymentMethod)

	log.Info().
		Str("request_id", requestID).
		Str("provider", providerName).
		Str("model", descriptor.ID).
		Int64("total_tokens", totalUsage.TotalTokens).
		Dur("duration", time.Since(start)).
		Msg("Generate complete")

	return &Response{
		Content:      result.Text,
		Usage:        totalUsage,
		Model:        descriptor.ID,
		Provider:     providerName,
		RequestID:    requestID,
		FinishReason: result.FinishReason,
	}, nil
}

// ── Prompt resolution ───────────────────────────────────────

// resolvePrompt returns the system prompt text with {var} placeholders
// interpolated. A prompt_id missing from the catalog is used as a literal
// prompt string; that fallback is part of the contract.
func (e *Executor) resolvePrompt(provider string, req *Request) string {
	text := req.SystemPrompt
	if req.PromptID != "" {
		if t, ok := e.cfg.PromptText(provider, req.PromptID); ok {
			text = t
		} else {
			text = req.PromptID
			if _, already := e.promptWarned.LoadOrStore(req.PromptID, struct{}{}); !already {
				log.Warn().Str("prompt_id", req.PromptID).Msg("Prompt id not in catalog, using as literal text")
			}
		}
	}
	for k, v := range req.Vars {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}
	return text
}

// ── Key resolution ──────────────────────────────────────────

func (e *Executor) resolveKey(ctx context.Context, principal *contracts.Principal, provider string, providerCfg *config.Provider, byok string) (string, models.PaymentMethod, *rpc.Error) {
	if byok != "" {
		return byok, models.PaymentBYOK, nil
	}
	if e.secrets != nil && !principal.IsAnonymous() {
		key, err := e.secrets.Get(ctx, principal.UserID, provider)
		switch {
		case err == nil:
			return key, models.PaymentBYOK, nil
		case errors.Is(err, secrets.ErrNotFound):
		default:
			return "", "", rpc.Wrap(rpc.KindInternal, "secret store read failed", err)
		}
	}
	if providerCfg.APIKey != "" {
		return providerCfg.APIKey, models.PaymentCredits, nil
	}
	if providerCfg.Kind() == "ollama" {
		// Local endpoints need no credential.
		return "", models.PaymentCredits, nil
	}
	return "", "", rpc.Errorf(rpc.KindNoCredentials,
		"no API key available for provider %q: supply one or store a key", provider)
}

// ── Tool preparation ────────────────────────────────────────

type toolPlan struct {
	tools        []models.ToolDef
	external     bool
	maxSearches  int
	capabilities string
}

func (e *Executor) prepareTools(ctx context.Context, adapter contracts.ProviderAdapter, md *Metadata) toolPlan {
	plan := toolPlan{maxSearches: md.MaxWebSearches}
	if plan.maxSearches <= 0 {
		plan.maxSearches = DefaultMaxWebSearches
	}
	if !md.UseWebSearch || md.WebSearchPreference == SearchNever {
		return plan
	}

	pref := md.WebSearchPreference
	if pref == "" {
		pref = SearchNative
	}
	if pref == SearchNative && adapter.SupportsNativeWebSearch() {
		if raw := adapter.NativeWebSearchTool(plan.maxSearches); raw != nil {
			plan.tools = append(plan.tools, models.ToolDef{Name: "web_search", Raw: raw})
		}
		return plan
	}

	// External tools, either by preference or because the vendor has no
	// native search.
	if e.tools == nil {
		return plan
	}
	remote := e.tools.ListTools(ctx)
	if len(remote) == 0 {
		return plan
	}
	plan.external = true
	var lines []string
	for _, t := range remote {
		plan.tools = append(plan.tools, models.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
		lines = append(lines, fmt.Sprintf("- %s: %s", t.Name, t.Description))
	}
	plan.capabilities = "You can call these tools:\n" + strings.Join(lines, "\n")
	return plan
}

// ── Upstream call and tool loop ─────────────────────────────

// runLoop performs the upstream call and, for external tools, the tool loop.
// Native vendor tools resolve inside a single call and never re-enter here.
func (e *Executor) runLoop(ctx context.Context, adapter contracts.ProviderAdapter, call *models.GenerateCall, plan toolPlan) (*models.GenerateResult, models.TokenUsage, error) {
	var total models.TokenUsage

	result, err := adapter.Generate(ctx, call)
	if err != nil {
		return nil, total, err
	}
	total.Add(result.Usage)

	if !plan.external {
		return result, total, nil
	}

	for round := 0; round < plan.maxSearches && len(result.ToolCalls) > 0; round++ {
		call.Messages = append(call.Messages, models.ChatMessage{
			Role:      "assistant",
			Content:   result.Text,
			ToolCalls: result.ToolCalls,
		})
		for _, tc := range result.ToolCalls {
			call.Messages = append(call.Messages, models.ChatMessage{
				Role:       "tool",
				Content:    e.invokeTool(ctx, tc),
				ToolCallID: tc.ID,
			})
		}

		// The final round forces a text answer.
		if round == plan.maxSearches-1 {
			call.ToolChoice = models.ToolChoiceNone
		}
		result, err = adapter.Generate(ctx, call)
		if err != nil {
			return nil, total, err
		}
		total.Add(result.Usage)
	}

	if len(result.ToolCalls) > 0 {
		// The model kept asking for tools; one last forced-text call.
		call.ToolChoice = models.ToolChoiceNone
		result, err = adapter.Generate(ctx, call)
		if err != nil {
			return nil, total, err
		}
		total.Add(result.Usage)
	}
	return result, total, nil
}

// invokeTool executes one tool call. Failures become error text the model
// can see and recover from; they do not abort the request.
func (e *Executor) invokeTool(ctx context.Context, tc models.ToolCall) string {
	type resolver interface {
		Resolve(name string) (server, tool string)
	}
	server, tool := "", tc.Name
	if r, ok := e.tools.(resolver); ok {
		server, tool = r.Resolve(tc.Name)
	}
	if server == "" {
		log.Warn().Str("tool", tc.Name).Msg("Tool call names no known server")
		return fmt.Sprintf("error: tool %q is not available", tc.Name)
	}
	result, err := e.tools.Invoke(ctx, server, tool, tc.Arguments)
	if err != nil {
		log.Warn().Str("server", server).Str("tool", tool).Err(err).Msg("Tool invocation failed")
		return fmt.Sprintf("error: %v", err)
	}
	return result.Text()
}

// ── Usage accounting ────────────────────────────────────────

// account emits the usage record and, for credit-paid calls with known
// pricing, debits the wallet. A nil cost is recorded as-is and not debited.
func (e *Executor) account(ctx context.Context, principal *contracts.Principal, requestID, provider string, d *models.ModelDescriptor, usage models.TokenUsage, method models.PaymentMethod) {
	if e.ledger == nil || principal.IsAnonymous() {
		return
	}

	rec := &models.UsageRecord{
		RequestID:        requestID,
		UserID:           principal.UserID,
		Provider:         provider,
		Model:            d.ID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		PaymentMethod:    method,
		Timestamp:        time.Now().UTC(),
	}
	if d.Known && d.Pricing != nil {
		cost := int64(float64(usage.PromptTokens)*d.Pricing.InputPerToken +
			float64(usage.CompletionTokens)*d.Pricing.OutputPerToken)
		rec.CostCents = &cost
		rec.PlatformFeeCents = int64(float64(cost) * e.cfg.Tokens.PlatformFeePercent / 100)
	}

	if err := e.ledger.RecordUsage(ctx, rec); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Usage record failed")
	}
	if method == models.PaymentCredits && rec.CostCents != nil {
		if err := e.ledger.Debit(ctx, principal.UserID, usage.TotalTokens, requestID); err != nil {
			log.Error().Err(err).Str("request_id", requestID).Msg("Ledger debit failed")
		}
	}
}

// estimateTokens is the pre-call heuristic: one token per four characters,
// rounded up.
func estimateTokens(s string) int64 {
	return int64((len(s) + 3) / 4)
}
