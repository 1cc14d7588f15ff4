package contracts

import (
	"context"

	"github.com/modelrelay/relay/pkg/models"
)

// ── Provider Adapter ────────────────────────────────────────

// ProviderAdapter is the uniform call surface over AI vendors.
// relay ships: OpenAI (and any OpenAI-compatible base URL, including Ollama),
// Anthropic and Google adapters.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Generate sends one chat request and returns the normalized result.
	// Token usage is always populated; missing vendor totals are computed
	// as prompt+completion.
	Generate(ctx context.Context, req *models.GenerateCall) (*models.GenerateResult, error)

	// SupportsNativeWebSearch reports whether the vendor offers a built-in
	// web-search tool that resolves inside a single call.
	SupportsNativeWebSearch() bool

	// NativeWebSearchTool returns the vendor-native tool descriptor, passed
	// through to the wire untouched. Nil when unsupported.
	NativeWebSearchTool(maxUses int) map[string]any
}

// ── Remote tool source ──────────────────────────────────────

// ToolSource exposes tools discovered from external tool servers.
// Implemented by the remote tool-server manager.
type ToolSource interface {
	// ListTools returns every ready tool across all servers.
	ListTools(ctx context.Context) []models.RemoteTool

	// Invoke executes a tool on its owning server.
	Invoke(ctx context.Context, server, tool string, args map[string]any) (*models.ToolResult, error)
}

// ── Virtual-token ledger ────────────────────────────────────

// Ledger is the quota and billing contract. Durable implementations live on
// PostgreSQL; an in-memory implementation serves tests and DB-less mode.
type Ledger interface {
	// Precheck asks whether the user may spend costTokens under their
	// balance and monthly cap. No state changes.
	Precheck(ctx context.Context, userID string, costTokens int64) (*models.PrecheckResult, error)

	// Debit spends costTokens, idempotent by requestID: a second debit with
	// the same key is a no-op returning the first outcome.
	Debit(ctx context.Context, userID string, costTokens int64, requestID string) error

	// Credit tops up the wallet, idempotent by paymentID. The raw payment
	// payload is retained for audit.
	Credit(ctx context.Context, userID string, tokens int64, paymentID string, amountCents int64, currency string, raw []byte) error

	// RecordUsage appends a usage record; requestID is the idempotency key.
	RecordUsage(ctx context.Context, rec *models.UsageRecord) error

	// ListUsage returns the most recent usage records for a user.
	ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageRecord, error)

	// Wallet returns the current wallet state, creating it if absent.
	Wallet(ctx context.Context, userID string) (*models.WalletState, error)
}

// ── Secret store ────────────────────────────────────────────

// SecretStore holds per-user provider API keys, encrypted at rest.
// Every operation is parameterized by userID; no cross-user read path exists.
type SecretStore interface {
	Put(ctx context.Context, userID, provider, plaintext string) error
	Get(ctx context.Context, userID, provider string) (string, error)
	ListProviders(ctx context.Context, userID string) ([]string, error)
	Rotate(ctx context.Context, userID, provider, newPlaintext string) error
	Delete(ctx context.Context, userID, provider string) error

	// Health reports connectivity and row counts, never key material.
	Health(ctx context.Context) *models.SecretStoreHealth
}
