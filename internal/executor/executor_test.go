package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/ledger"
	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/rpc"
	"github.com/modelrelay/relay/internal/secrets"
	"github.com/modelrelay/relay/pkg/contracts"
	"github.com/modelrelay/relay/pkg/models"
)

// ── Fakes ───────────────────────────────────────────────────

// fakeAdapter replays scripted results and snapshots every call it receives.
type fakeAdapter struct {
	name       string
	script     []*models.GenerateResult
	calls      []models.GenerateCall
	native     bool
	nativeTool map[string]any
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Generate(ctx context.Context, req *models.GenerateCall) (*models.GenerateResult, error) {
	snapshot := *req
	snapshot.Messages = append([]models.ChatMessage(nil), req.Messages...)
	snapshot.Tools = append([]models.ToolDef(nil), req.Tools...)
	f.calls = append(f.calls, snapshot)
	if len(f.script) == 0 {
		return &models.GenerateResult{Text: "out of script"}, nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next, nil
}

func (f *fakeAdapter) SupportsNativeWebSearch() bool { return f.native }

func (f *fakeAdapter) NativeWebSearchTool(maxUses int) map[string]any { return f.nativeTool }

// fakeTools is a single-server tool source.
type fakeTools struct {
	tools   []models.RemoteTool
	invoked []string
	result  *models.ToolResult
}

func (f *fakeTools) ListTools(ctx context.Context) []models.RemoteTool { return f.tools }

func (f *fakeTools) Invoke(ctx context.Context, server, tool string, args map[string]any) (*models.ToolResult, error) {
	f.invoked = append(f.invoked, server+"/"+tool)
	return f.result, nil
}

func (f *fakeTools) Resolve(name string) (string, string) {
	server, tool, ok := strings.Cut(name, "__")
	if !ok {
		return "", name
	}
	return server, tool
}

// ── Harness ─────────────────────────────────────────────────

type harness struct {
	exec    *Executor
	adapter *fakeAdapter
	ledger  *ledger.MemoryLedger
	secrets *secrets.MemoryStore
	tools   *fakeTools
	cfg     *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		Providers: []config.Provider{{
			Name:         "openai",
			APIKey:       "sk-server",
			DefaultModel: "gpt-4o-mini",
		}},
		Tokens: config.TokenTracking{PlatformFeePercent: 10},
	}
	adapter := &fakeAdapter{
		name:   "openai",
		script: []*models.GenerateResult{{Text: "hello", Usage: models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, FinishReason: "stop"}},
	}
	sec, err := secrets.NewMemoryStore("test-key")
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	reg := registry.New()
	reg.Override(models.ModelDescriptor{
		Provider: "openai",
		ID:       "gpt-4o-mini",
		Pricing:  &models.Pricing{InputPerToken: 1, OutputPerToken: 2},
	})
	led := ledger.NewMemoryLedger(0)
	tools := &fakeTools{result: models.TextResult("42 degrees")}
	return &harness{
		exec:    New(cfg, reg, map[string]contracts.ProviderAdapter{"openai": adapter}, sec, led, tools),
		adapter: adapter,
		ledger:  led,
		secrets: sec,
		tools:   tools,
		cfg:     cfg,
	}
}

func user(scopes ...string) *contracts.Principal {
	return contracts.NewOAuthPrincipal("u1", "u1@example.com", scopes)
}

func fund(t *testing.T, led *ledger.MemoryLedger, tokens int64) {
	t.Helper()
	if err := led.Credit(context.Background(), "u1", tokens, "seed", 0, "usd", nil); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

// ── Tests ───────────────────────────────────────────────────

func TestGenerateRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *Request
		kind rpc.ErrorKind
	}{
		{"empty content", &Request{Content: "  "}, rpc.KindInvalidParams},
		{"prompt conflict", &Request{Content: "hi", PromptID: "p", SystemPrompt: "s"}, rpc.KindInvalidParams},
		{"unknown provider", &Request{Content: "hi", Metadata: Metadata{Provider: "nope"}}, rpc.KindInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.exec.Generate(ctx, contracts.Anonymous(), tc.req)
			if err == nil {
				t.Fatal("accepted")
			}
			if rerr := rpc.AsError(err); rerr.Kind != tc.kind {
				t.Errorf("kind = %s, want %s", rerr.Kind, tc.kind)
			}
		})
	}
	if len(h.adapter.calls) != 0 {
		t.Errorf("rejected requests reached the provider: %d calls", len(h.adapter.calls))
	}
}

func TestGenerateCreditsPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fund(t, h.ledger, 1000)

	resp, err := h.exec.Generate(ctx, user(), &Request{Content: "say hello"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "hello" || resp.Provider != "openai" || resp.Model != "gpt-4o-mini" {
		t.Errorf("response = %+v", resp)
	}
	if resp.RequestID == "" {
		t.Error("missing request id")
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	// Server key on the wire, not the stored or BYOK path.
	if got := h.adapter.calls[0].APIKey; got != "sk-server" {
		t.Errorf("api key = %q, want server key", got)
	}

	// Accounting: one usage record with cost and fee, one wallet debit.
	recs, _ := h.ledger.ListUsage(ctx, "u1", 10)
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.PaymentMethod != models.PaymentCredits {
		t.Errorf("payment method = %s", rec.PaymentMethod)
	}
	// 10 prompt tokens at 1 + 5 completion tokens at 2, then a 10% fee.
	if rec.CostCents == nil || *rec.CostCents != 20 {
		t.Errorf("cost = %v, want 20", rec.CostCents)
	}
	if rec.PlatformFeeCents != 2 {
		t.Errorf("fee = %d, want 2", rec.PlatformFeeCents)
	}
	w, _ := h.ledger.Wallet(ctx, "u1")
	if w.BalanceTokens != 985 {
		t.Errorf("balance = %d, want 985", w.BalanceTokens)
	}
}

func TestGenerateQuotaExceeded(t *testing.T) {
	h := newHarness(t)

	// Empty wallet on the credits path refuses before any upstream call.
	_, err := h.exec.Generate(context.Background(), user(), &Request{Content: "hi there"})
	if err == nil {
		t.Fatal("generated with an empty wallet")
	}
	rerr := rpc.AsError(err)
	if rerr.Kind != rpc.KindQuotaExceeded {
		t.Fatalf("kind = %s, want quota_exceeded", rerr.Kind)
	}
	if data, ok := rerr.Data.(map[string]any); !ok || data["estimated_tokens"] == nil {
		t.Errorf("error data = %v, want estimated_tokens", rerr.Data)
	}
	if len(h.adapter.calls) != 0 {
		t.Error("refused request reached the provider")
	}
}

func TestGenerateBYOKSkipsWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Empty wallet, but the caller brings their own key.
	if _, err := h.exec.Generate(ctx, user(), &Request{Content: "hi", APIKey: "sk-byok"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := h.adapter.calls[0].APIKey; got != "sk-byok" {
		t.Errorf("api key = %q, want the caller's key", got)
	}

	// Usage is still recorded, but nothing is debited.
	recs, _ := h.ledger.ListUsage(ctx, "u1", 10)
	if len(recs) != 1 || recs[0].PaymentMethod != models.PaymentBYOK {
		t.Fatalf("records = %+v", recs)
	}
	w, _ := h.ledger.Wallet(ctx, "u1")
	if w.BalanceTokens != 0 {
		t.Errorf("balance = %d, want 0 (no debit)", w.BalanceTokens)
	}
}

func TestGenerateUsesStoredKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.secrets.Put(ctx, "u1", "openai", "sk-stored"); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := h.exec.Generate(ctx, user(), &Request{Content: "hi"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := h.adapter.calls[0].APIKey; got != "sk-stored" {
		t.Errorf("api key = %q, want the stored key", got)
	}
	recs, _ := h.ledger.ListUsage(ctx, "u1", 10)
	if len(recs) != 1 || recs[0].PaymentMethod != models.PaymentBYOK {
		t.Errorf("stored-key calls bill as BYOK, got %+v", recs)
	}
}

func TestGenerateNoCredentials(t *testing.T) {
	h := newHarness(t)
	h.cfg.Providers[0].APIKey = ""

	_, err := h.exec.Generate(context.Background(), user(), &Request{Content: "hi"})
	if err == nil {
		t.Fatal("generated without any credential")
	}
	if rerr := rpc.AsError(err); rerr.Kind != rpc.KindNoCredentials {
		t.Errorf("kind = %s, want no_credentials", rerr.Kind)
	}
}

func TestGenerateModelNotAllowed(t *testing.T) {
	h := newHarness(t)
	fund(t, h.ledger, 1000)
	h.cfg.ModelRestrictions = map[string]models.ModelRestrictions{
		"openai": {BlockedModels: []string{"gpt-4o-mini"}},
	}

	_, err := h.exec.Generate(context.Background(), user(), &Request{Content: "hi"})
	if err == nil {
		t.Fatal("blocked model generated")
	}
	if rerr := rpc.AsError(err); rerr.Kind != rpc.KindModelNotAllowed {
		t.Errorf("kind = %s, want model_not_allowed", rerr.Kind)
	}
}

func TestPromptResolution(t *testing.T) {
	h := newHarness(t)
	fund(t, h.ledger, 1000)
	h.cfg.Prompts = map[string]config.Prompt{
		"greeter": {Text: "You greet {name} warmly."},
	}
	ctx := context.Background()

	if _, err := h.exec.Generate(ctx, user(), &Request{
		Content:  "hi",
		PromptID: "greeter",
		Vars:     map[string]string{"name": "Ada"},
	}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	msgs := h.adapter.calls[0].Messages
	if msgs[0].Role != "system" || msgs[0].Content != "You greet Ada warmly." {
		t.Errorf("system message = %+v", msgs[0])
	}

	// A prompt id missing from the catalog is used as literal text.
	if _, err := h.exec.Generate(ctx, user(), &Request{
		Content:  "hi again",
		PromptID: "Respond only in French.",
	}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	msgs = h.adapter.calls[1].Messages
	if msgs[0].Role != "system" || msgs[0].Content != "Respond only in French." {
		t.Errorf("literal fallback message = %+v", msgs[0])
	}
}

func TestNativeWebSearch(t *testing.T) {
	h := newHarness(t)
	fund(t, h.ledger, 1000)
	h.adapter.native = true
	h.adapter.nativeTool = map[string]any{"type": "web_search", "max_uses": float64(3)}

	if _, err := h.exec.Generate(context.Background(), user(), &Request{
		Content:  "what is the weather",
		Metadata: Metadata{UseWebSearch: true},
	}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Native search resolves inside a single call with the vendor tool attached.
	if len(h.adapter.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(h.adapter.calls))
	}
	tools := h.adapter.calls[0].Tools
	if len(tools) != 1 || tools[0].Name != "web_search" || tools[0].Raw == nil {
		t.Errorf("tools = %+v", tools)
	}
	if len(h.tools.invoked) != 0 {
		t.Error("native search hit the external tool source")
	}
}

func TestExternalToolLoop(t *testing.T) {
	h := newHarness(t)
	fund(t, h.ledger, 1000)
	h.tools.tools = []models.RemoteTool{{
		Server:      "search",
		Name:        "search__web",
		Description: "Search the web",
		InputSchema: map[string]any{"type": "object"},
	}}
	h.adapter.script = []*models.GenerateResult{
		{
			ToolCalls: []models.ToolCall{{ID: "tc1", Name: "search__web", Arguments: map[string]any{"q": "weather"}}},
			Usage:     models.TokenUsage{TotalTokens: 10},
		},
		{Text: "It is 42 degrees.", Usage: models.TokenUsage{TotalTokens: 7}, FinishReason: "stop"},
	}

	resp, err := h.exec.Generate(context.Background(), user(), &Request{
		Content:  "what is the weather",
		Metadata: Metadata{UseWebSearch: true, WebSearchPreference: SearchExternal},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "It is 42 degrees." {
		t.Errorf("content = %q", resp.Content)
	}
	// Usage accumulates across the loop.
	if resp.Usage.TotalTokens != 17 {
		t.Errorf("total tokens = %d, want 17", resp.Usage.TotalTokens)
	}
	if len(h.tools.invoked) != 1 || h.tools.invoked[0] != "search/web" {
		t.Errorf("invocations = %v", h.tools.invoked)
	}

	// The follow-up call carries the assistant turn and the tool result.
	if len(h.adapter.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(h.adapter.calls))
	}
	second := h.adapter.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "42 degrees" || last.ToolCallID != "tc1" {
		t.Errorf("tool message = %+v", last)
	}

	// The capabilities preamble advertises the external tools.
	if sys := h.adapter.calls[0].Messages[0]; sys.Role != "system" || !strings.Contains(sys.Content, "search__web") {
		t.Errorf("system message = %+v", sys)
	}
}

func TestToolLoopForcesFinalText(t *testing.T) {
	h := newHarness(t)
	fund(t, h.ledger, 1000)
	h.tools.tools = []models.RemoteTool{{Server: "search", Name: "search__web"}}
	toolCall := []models.ToolCall{{ID: "tc", Name: "search__web", Arguments: map[string]any{}}}
	h.adapter.script = []*models.GenerateResult{
		{ToolCalls: toolCall, Usage: models.TokenUsage{TotalTokens: 1}},
		{ToolCalls: toolCall, Usage: models.TokenUsage{TotalTokens: 1}},
		{Text: "final answer", Usage: models.TokenUsage{TotalTokens: 1}},
	}

	resp, err := h.exec.Generate(context.Background(), user(), &Request{
		Content: "search forever",
		Metadata: Metadata{
			UseWebSearch:        true,
			WebSearchPreference: SearchExternal,
			MaxWebSearches:      1,
		},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "final answer" {
		t.Errorf("content = %q", resp.Content)
	}
	// One search round, then the forced-text retry when the model asked again.
	if len(h.adapter.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(h.adapter.calls))
	}
	if h.adapter.calls[1].ToolChoice != models.ToolChoiceNone {
		t.Errorf("final round tool choice = %q, want none", h.adapter.calls[1].ToolChoice)
	}
	if resp.Usage.TotalTokens != 3 {
		t.Errorf("total tokens = %d, want 3", resp.Usage.TotalTokens)
	}
}

func TestAnonymousCallsAreNotRecorded(t *testing.T) {
	h := newHarness(t)

	// Anonymous BYOK calls skip the ledger entirely.
	if _, err := h.exec.Generate(context.Background(), contracts.Anonymous(), &Request{Content: "hi", APIKey: "sk-byok"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	recs, _ := h.ledger.ListUsage(context.Background(), "", 10)
	if len(recs) != 0 {
		t.Errorf("anonymous usage recorded: %+v", recs)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tc := range cases {
		if got := estimateTokens(tc.in); got != tc.want {
			t.Errorf("estimateTokens(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
